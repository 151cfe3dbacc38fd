package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"bgechat/events"
	"bgechat/models"
)

func newReaper(t *testing.T) (*ReaperService, *SessionService, *fakeBus) {
	t.Helper()
	db := newTestDB(t)
	bus := &fakeBus{}
	sessions := NewSessionService(db, bus, 5*time.Second)
	reaper := NewReaperService(db, bus, 30*time.Minute, 5*time.Minute)
	return reaper, sessions, bus
}

func TestStaleSweepClosesInactiveSessions(t *testing.T) {
	reaper, sessions, bus := newReaper(t)
	ctx := context.Background()

	stale, _, _ := sessions.CreateSession(ctx, "", "", "")
	fresh, _, _ := sessions.CreateSession(ctx, "", "", "")
	backdate(t, reaper.db, stale.ID, 31*time.Minute)
	bus.reset()

	result, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Closed != 1 || result.Abandoned != 0 {
		t.Errorf("result = %+v, want closed=1 abandoned=0", result)
	}

	reloaded, _ := sessions.GetSession(ctx, stale.ID)
	if reloaded.Status != models.StatusClosed || reloaded.ClosedReason != models.ReasonInactive {
		t.Errorf("stale session = %s/%s, want closed/inactive", reloaded.Status, reloaded.ClosedReason)
	}
	if reloaded.ClosedAt == nil {
		t.Error("closed_at not set")
	}
	untouched, _ := sessions.GetSession(ctx, fresh.ID)
	if untouched.Status != models.StatusWaiting {
		t.Errorf("fresh session status = %s, want waiting", untouched.Status)
	}

	// 转录里要有解释性的系统消息
	if n := countMessages(t, reaper.db, stale.ID, "status"); n != 1 {
		t.Errorf("closure system messages = %d, want 1", n)
	}
	updated := bus.byType(events.TypeSessionUpdated)
	rooms := map[string]bool{}
	for _, e := range updated {
		rooms[e.Room] = true
	}
	if !rooms[events.SessionRoom(stale.ID)] || !rooms[events.RoomAgents] {
		t.Errorf("sessionUpdated rooms = %v, want session room and agents", rooms)
	}
}

func TestStaleSweepIsIdempotent(t *testing.T) {
	reaper, sessions, _ := newReaper(t)
	ctx := context.Background()

	session, _, _ := sessions.CreateSession(ctx, "", "", "")
	backdate(t, reaper.db, session.ID, time.Hour)

	first, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first.Closed != 1 {
		t.Fatalf("first sweep closed = %d, want 1", first.Closed)
	}

	second, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Closed != 0 || second.Abandoned != 0 {
		t.Errorf("second sweep = %+v, want zero matches", second)
	}
	if n := countMessages(t, reaper.db, session.ID, "status"); n != 1 {
		t.Errorf("closure system messages after two sweeps = %d, want 1", n)
	}
}

func TestAbandonmentSweepRequiresAgentLastMessage(t *testing.T) {
	reaper, sessions, _ := newReaper(t)
	ctx := context.Background()
	agent := makeAgent(t, reaper.db, "alice")

	// 客服问了、客户没回 → abandoned
	ghosted, _, _ := sessions.CreateSession(ctx, "", "", "")
	if _, err := sessions.Claim(ctx, ghosted.ID, agent); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := sessions.AppendMessage(ctx, ghosted.ID, models.RoleAgent, "Are you still there?", ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	backdate(t, reaper.db, ghosted.ID, 6*time.Minute)

	// 客户刚说完话 → 不能判失联，哪怕 updated_at 一样旧
	talking, _, _ := sessions.CreateSession(ctx, "", "", "")
	if _, err := sessions.Claim(ctx, talking.ID, agent); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := sessions.AppendMessage(ctx, talking.ID, models.RoleCustomer, "one moment please", ""); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	backdate(t, reaper.db, talking.ID, 6*time.Minute)

	result, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", result.Abandoned)
	}

	g, _ := sessions.GetSession(ctx, ghosted.ID)
	if g.Status != models.StatusAbandoned || g.ClosedReason != models.ReasonCustomerAbandoned {
		t.Errorf("ghosted = %s/%s, want abandoned/customer_abandoned", g.Status, g.ClosedReason)
	}
	tk, _ := sessions.GetSession(ctx, talking.ID)
	if tk.Status != models.StatusActive {
		t.Errorf("talking session = %s, want active", tk.Status)
	}
}

// 没有任何消息的活跃会话不能判失联（ErrRecordNotFound 是跳过，不是错误）
func TestAbandonmentSweepSkipsSessionWithoutMessages(t *testing.T) {
	reaper, sessions, _ := newReaper(t)
	ctx := context.Background()
	agent := makeAgent(t, reaper.db, "alice")

	session := &models.ChatSession{
		ID:      uuid.New().String(),
		Status:  models.StatusActive,
		AgentID: &agent.ID,
	}
	if err := reaper.db.Create(session).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	backdate(t, reaper.db, session.ID, 6*time.Minute)

	result, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Abandoned != 0 {
		t.Errorf("abandoned = %d, want 0", result.Abandoned)
	}

	reloaded, err := sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.Status != models.StatusActive {
		t.Errorf("status = %s, want active", reloaded.Status)
	}
}

func TestSweepSkipsFreshSessions(t *testing.T) {
	reaper, sessions, _ := newReaper(t)
	ctx := context.Background()

	if _, _, err := sessions.CreateSession(ctx, "", "", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	result, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Closed != 0 || result.Abandoned != 0 {
		t.Errorf("result = %+v, want zero", result)
	}
}
