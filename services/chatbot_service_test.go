package services

import (
	"context"
	"testing"

	"bgechat/config"
)

func newChatbot() *ChatbotService {
	// 没配 key，AI 不可用，走兜底话术
	return NewChatbotService(NewAIClient(&config.AIConfig{TimeoutSecs: 1}))
}

func TestClassify(t *testing.T) {
	bot := newChatbot()
	cases := []struct {
		message string
		want    string
	}{
		{"Where is my order? I have a tracking number", IntentOrderStatus},
		{"My egg arrived cracked, is that covered by warranty?", IntentWarranty},
		{"How long should I smoke a brisket?", IntentRecipe},
		{"What size should I get for a family of four?", IntentProductInfo},
		{"I want to talk to a human", IntentLiveAgent},
		{"Can I speak to someone?", IntentLiveAgent},
		{"hello there", IntentGeneral},
	}
	for _, c := range cases {
		if got := bot.Classify(c.message); got != c.want {
			t.Errorf("Classify(%q) = %q, want %q", c.message, got, c.want)
		}
	}
}

func TestLiveAgentOutranksOtherIntents(t *testing.T) {
	bot := newChatbot()
	// 同时提到订单和人工：转人工优先
	if got := bot.Classify("my order is wrong, I need a real person"); got != IntentLiveAgent {
		t.Errorf("Classify = %q, want live_agent", got)
	}
}

func TestRespondEscalates(t *testing.T) {
	bot := newChatbot()
	reply := bot.Respond(context.Background(), "get me a live agent please")
	if !reply.Escalate {
		t.Error("expected escalation")
	}
	if reply.Category != IntentLiveAgent {
		t.Errorf("category = %q, want live_agent", reply.Category)
	}
}

func TestRespondRecipeFallsBackWithoutAI(t *testing.T) {
	bot := newChatbot()
	reply := bot.Respond(context.Background(), "what temperature for ribs?")
	if reply.Escalate {
		t.Error("unexpected escalation")
	}
	if reply.Category != IntentRecipe || reply.Content == "" {
		t.Errorf("reply = %+v, want canned recipe answer", reply)
	}
}

func TestRespondGeneral(t *testing.T) {
	bot := newChatbot()
	reply := bot.Respond(context.Background(), "hi")
	if reply.Escalate || reply.Category != IntentGeneral || reply.Content == "" {
		t.Errorf("reply = %+v, want general canned answer", reply)
	}
}
