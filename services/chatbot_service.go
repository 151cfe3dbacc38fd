package services

import (
	"context"
	"regexp"
	"strings"

	"github.com/labstack/gommon/log"
)

// 意图分类
const (
	IntentOrderStatus = "order_status"
	IntentRecipe      = "recipe"
	IntentWarranty    = "warranty"
	IntentProductInfo = "product_info"
	IntentLiveAgent   = "live_agent"
	IntentGeneral     = "general"
)

var intentPatterns = []struct {
	intent  string
	pattern *regexp.Regexp
}{
	{IntentLiveAgent, regexp.MustCompile(`(?i)\b(live agent|real person|human|representative|speak to someone|talk to (an? )?(agent|person))\b`)},
	{IntentOrderStatus, regexp.MustCompile(`(?i)\b(order|tracking|shipp(ed|ing)|deliver(y|ed)|package)\b`)},
	{IntentWarranty, regexp.MustCompile(`(?i)\b(warranty|cracked|broken|defect|replace(ment)?|damaged)\b`)},
	{IntentRecipe, regexp.MustCompile(`(?i)\b(recipe|cook|grill|smoke|roast|bake|temperature|brisket|ribs|pizza)\b`)},
	{IntentProductInfo, regexp.MustCompile(`(?i)\b(size|price|accessor(y|ies)|model|compare|which (egg|grill))\b`)},
}

var cannedResponses = map[string]string{
	IntentOrderStatus: "I can help with orders! Please share your order number and the email used at checkout, and I'll look it up.",
	IntentWarranty:    "Sorry to hear that. Our ceramic components carry a limited lifetime warranty. Please describe the issue and attach a photo if you can, or type \"live agent\" to talk to our support team.",
	IntentProductInfo: "Happy to help you pick the right grill. Could you tell me how many people you usually cook for and whether you need portability?",
	IntentGeneral:     "Thanks for reaching out! I can help with orders, recipes, warranty questions and product advice. What would you like to know? You can also type \"live agent\" at any time.",
}

const recipeSystemPrompt = "You are a concise, friendly cooking assistant for a kamado-style ceramic grill company. " +
	"Answer with practical grilling and smoking advice: temperatures, times, setup. Keep answers under 200 words."

// BotReply 机器人的一次应答
type BotReply struct {
	Content  string `json:"content"`
	Category string `json:"category"`
	Escalate bool   `json:"escalate"` // 客户要人工，调用方去建 waiting 会话
}

// ChatbotService 关键词意图分类 + AI 透传。薄胶水层，
// 不参与会话状态机。
type ChatbotService struct {
	ai *AIClient
}

func NewChatbotService(ai *AIClient) *ChatbotService {
	return &ChatbotService{ai: ai}
}

// Classify 返回第一个命中的意图
func (s *ChatbotService) Classify(message string) string {
	for _, p := range intentPatterns {
		if p.pattern.MatchString(message) {
			return p.intent
		}
	}
	return IntentGeneral
}

// Respond 生成机器人应答。live_agent 意图只做转接标记；
// recipe 走 AI，失败落到兜底话术。
func (s *ChatbotService) Respond(ctx context.Context, message string) BotReply {
	intent := s.Classify(message)

	if intent == IntentLiveAgent {
		return BotReply{
			Content:  "Connecting you with a live agent. Please hold on while we find someone to help you.",
			Category: intent,
			Escalate: true,
		}
	}

	if intent == IntentRecipe {
		answer, err := s.ai.Complete(ctx, recipeSystemPrompt, message)
		if err == nil && strings.TrimSpace(answer) != "" {
			return BotReply{Content: answer, Category: intent}
		}
		if err != nil && err != ErrAINotConfigured {
			log.Warnf("ai completion failed, using canned reply: %v", err)
		}
		return BotReply{
			Content:  "A good starting point for most cooks is 225-250°F (107-121°C) with indirect heat. What are you planning to cook? I can suggest setup and timing.",
			Category: intent,
		}
	}

	if reply, ok := cannedResponses[intent]; ok {
		return BotReply{Content: reply, Category: intent}
	}
	return BotReply{Content: cannedResponses[IntentGeneral], Category: IntentGeneral}
}
