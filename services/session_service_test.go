package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bgechat/events"
	"bgechat/models"
)

func newSessionService(t *testing.T) (*SessionService, *fakeBus) {
	t.Helper()
	bus := &fakeBus{}
	svc := NewSessionService(newTestDB(t), bus, 5*time.Second)
	return svc, bus
}

func TestCreateSessionStartsWaiting(t *testing.T) {
	svc, bus := newSessionService(t)
	ctx := context.Background()

	session, position, err := svc.CreateSession(ctx, "Dana", "dana@example.com", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Status != models.StatusWaiting {
		t.Errorf("status = %q, want waiting", session.Status)
	}
	if session.AgentID != nil {
		t.Errorf("agent_id = %v, want nil", *session.AgentID)
	}
	if position != 0 {
		t.Errorf("position = %d, want 0", position)
	}

	notified := bus.byType(events.TypeNewWaitingSession)
	if len(notified) != 1 || notified[0].Room != events.RoomAgents {
		t.Errorf("expected one newWaitingSession event to agents room, got %+v", notified)
	}
	if n := countMessages(t, svc.db, session.ID, "live_agent"); n != 1 {
		t.Errorf("system messages = %d, want 1", n)
	}
}

func TestClaimWinnerTakesSession(t *testing.T) {
	svc, bus := newSessionService(t)
	ctx := context.Background()
	agent := makeAgent(t, svc.db, "alice")

	session, _, err := svc.CreateSession(ctx, "", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	bus.reset()

	result, err := svc.Claim(ctx, session.ID, agent)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if result.AlreadyClaimed {
		t.Error("first claim reported AlreadyClaimed")
	}
	if result.Session.Status != models.StatusActive {
		t.Errorf("status = %q, want active", result.Session.Status)
	}
	if result.Session.AgentID == nil || *result.Session.AgentID != agent.ID {
		t.Errorf("agent_id = %v, want %d", result.Session.AgentID, agent.ID)
	}

	if n := countMessages(t, svc.db, session.ID, "claim"); n != 1 {
		t.Errorf("claim system messages = %d, want 1", n)
	}
	claimed := bus.byType(events.TypeChatClaimed)
	rooms := map[string]bool{}
	for _, e := range claimed {
		rooms[e.Room] = true
	}
	if !rooms[events.SessionRoom(session.ID)] || !rooms[events.RoomAgents] {
		t.Errorf("chat:claimed rooms = %v, want session room and agents", rooms)
	}
}

func TestClaimConcurrentExactlyOneWins(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	session, _, err := svc.CreateSession(ctx, "", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const n = 8
	agents := make([]*models.Agent, n)
	for i := 0; i < n; i++ {
		agents[i] = makeAgent(t, svc.db, "agent"+string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []uint
	conflicts := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(agent *models.Agent) {
			defer wg.Done()
			result, err := svc.Claim(ctx, session.ID, agent)
			mu.Lock()
			defer mu.Unlock()
			if err == nil && !result.AlreadyClaimed {
				winners = append(winners, agent.ID)
				return
			}
			var conflict *ClaimConflictError
			if errors.As(err, &conflict) {
				conflicts++
			}
		}(agents[i])
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(winners))
	}
	if conflicts != n-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, n-1)
	}

	reloaded, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.AgentID == nil || *reloaded.AgentID != winners[0] {
		t.Errorf("final agent_id = %v, want winner %d", reloaded.AgentID, winners[0])
	}
	if n := countMessages(t, svc.db, session.ID, "claim"); n != 1 {
		t.Errorf("claim system messages = %d, want 1", n)
	}
}

func TestClaimIdempotentForSameAgent(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()
	agent := makeAgent(t, svc.db, "alice")

	session, _, _ := svc.CreateSession(ctx, "", "", "")
	if _, err := svc.Claim(ctx, session.ID, agent); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	result, err := svc.Claim(ctx, session.ID, agent)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if !result.AlreadyClaimed {
		t.Error("re-claim did not report AlreadyClaimed")
	}
	if n := countMessages(t, svc.db, session.ID, "claim"); n != 1 {
		t.Errorf("claim system messages after re-claim = %d, want 1", n)
	}
}

func TestClaimConflictCarriesClaimant(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()
	alice := makeAgent(t, svc.db, "alice")
	bob := makeAgent(t, svc.db, "bob")

	session, _, _ := svc.CreateSession(ctx, "", "", "")
	if _, err := svc.Claim(ctx, session.ID, alice); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, err := svc.Claim(ctx, session.ID, bob)
	var conflict *ClaimConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ClaimConflictError", err)
	}
	if conflict.AgentID == nil || *conflict.AgentID != alice.ID {
		t.Errorf("conflict claimant = %v, want %d", conflict.AgentID, alice.ID)
	}

	// 状态没被动过
	reloaded, _ := svc.GetSession(ctx, session.ID)
	if *reloaded.AgentID != alice.ID {
		t.Errorf("agent_id changed to %d", *reloaded.AgentID)
	}
}

func TestClaimMissingSession(t *testing.T) {
	svc, _ := newSessionService(t)
	agent := makeAgent(t, svc.db, "alice")

	_, err := svc.Claim(context.Background(), "no-such-id", agent)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestClaimFinishedSessionConflicts(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()
	agent := makeAgent(t, svc.db, "alice")

	session, _, _ := svc.CreateSession(ctx, "", "", "")
	if _, err := svc.UpdateStatus(ctx, session.ID, models.StatusEnded, models.ReasonEndedByCustomer); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	_, err := svc.Claim(ctx, session.ID, agent)
	var conflict *ClaimConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ClaimConflictError", err)
	}
	if conflict.Status != models.StatusEnded {
		t.Errorf("conflict status = %q, want ended", conflict.Status)
	}
}

func TestUpdateStatusTerminalIdempotent(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	session, _, _ := svc.CreateSession(ctx, "", "", "")
	first, err := svc.UpdateStatus(ctx, session.ID, models.StatusClosed, models.ReasonManualClose)
	if err != nil {
		t.Fatalf("first close: %v", err)
	}
	if first.Status != models.StatusClosed || first.ClosedAt == nil {
		t.Fatalf("close did not apply: %+v", first)
	}

	// 再关一次：成功返回，不再写第二条关闭消息
	second, err := svc.UpdateStatus(ctx, session.ID, models.StatusClosed, models.ReasonManualClose)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if second.Status != models.StatusClosed {
		t.Errorf("status = %q, want closed", second.Status)
	}
	if n := countMessages(t, svc.db, session.ID, "status"); n != 1 {
		t.Errorf("closure system messages = %d, want 1", n)
	}
}

func TestUpdateStatusRejectsIllegalTargets(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	session, _, _ := svc.CreateSession(ctx, "", "", "")

	for _, target := range []string{models.StatusActive, models.StatusWaiting, "bogus"} {
		if _, err := svc.UpdateStatus(ctx, session.ID, target, ""); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("UpdateStatus(%q) err = %v, want ErrInvalidTransition", target, err)
		}
	}
}

func TestAppendMessageTouchesSession(t *testing.T) {
	svc, bus := newSessionService(t)
	ctx := context.Background()

	session, _, _ := svc.CreateSession(ctx, "", "", "")
	backdate(t, svc.db, session.ID, time.Hour)
	bus.reset()

	msg, err := svc.AppendMessage(ctx, session.ID, models.RoleCustomer, "hello", "")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	reloaded, _ := svc.GetSession(ctx, session.ID)
	if time.Since(reloaded.UpdatedAt) > time.Minute {
		t.Errorf("updated_at not refreshed: %v", reloaded.UpdatedAt)
	}

	// 冗余扇出：session 房间 + customers + agents，客户端按 id 去重
	received := bus.byType(events.TypeMessageReceived)
	rooms := map[string]bool{}
	for _, e := range received {
		if e.Event.Payload["id"] != msg.ID {
			t.Errorf("payload id = %v, want %s", e.Event.Payload["id"], msg.ID)
		}
		rooms[e.Room] = true
	}
	for _, want := range []string{events.SessionRoom(session.ID), events.RoomCustomers, events.RoomAgents} {
		if !rooms[want] {
			t.Errorf("messageReceived missing room %s", want)
		}
	}
}

func TestAppendMessageToFinishedSession(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	session, _, _ := svc.CreateSession(ctx, "", "", "")
	svc.UpdateStatus(ctx, session.ID, models.StatusEnded, models.ReasonEndedByCustomer)

	_, err := svc.AppendMessage(ctx, session.ID, models.RoleCustomer, "hello?", "")
	if !errors.Is(err, ErrSessionFinished) {
		t.Errorf("err = %v, want ErrSessionFinished", err)
	}
}

func TestQueuePositionByCreationOrder(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	var sessions []*models.ChatSession
	for i := 0; i < 3; i++ {
		s, _, err := svc.CreateSession(ctx, "", "", "")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		sessions = append(sessions, s)
		time.Sleep(5 * time.Millisecond) // created_at 必须严格递增
	}

	for i, s := range sessions {
		pos, err := svc.QueuePosition(ctx, s)
		if err != nil {
			t.Fatalf("QueuePosition: %v", err)
		}
		if pos != i {
			t.Errorf("session %d position = %d, want %d", i, pos, i)
		}
	}

	// 队首被认领后，后面的往前挪
	agent := makeAgent(t, svc.db, "alice")
	if _, err := svc.Claim(ctx, sessions[0].ID, agent); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	pos, _ := svc.QueuePosition(ctx, sessions[2])
	if pos != 1 {
		t.Errorf("position after claim = %d, want 1", pos)
	}
}

func TestListSessionsPagination(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s, _, err := svc.CreateSession(ctx, "", "", "")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if _, err := svc.AppendMessage(ctx, s.ID, models.RoleCustomer, "latest words", ""); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	page, err := svc.ListSessions(ctx, models.StatusWaiting, 1, 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if page.Total != 5 || page.Pages != 3 || len(page.Sessions) != 2 {
		t.Errorf("total=%d pages=%d len=%d, want 5/3/2", page.Total, page.Pages, len(page.Sessions))
	}
	if page.Sessions[0].LastMessage != "latest words" {
		t.Errorf("last message preview = %q", page.Sessions[0].LastMessage)
	}

	last, err := svc.ListSessions(ctx, models.StatusWaiting, 3, 2)
	if err != nil {
		t.Fatalf("ListSessions page 3: %v", err)
	}
	if len(last.Sessions) != 1 {
		t.Errorf("page 3 len = %d, want 1", len(last.Sessions))
	}
}
