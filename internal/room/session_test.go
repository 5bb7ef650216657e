package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"icebreaker/backend/internal/assist"
	"icebreaker/backend/internal/command"
	"icebreaker/backend/internal/models"
	"icebreaker/backend/internal/store"
	"icebreaker/backend/internal/store/notify"
	"icebreaker/backend/pkg/cache"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []assist.Request
	reply func(ctx context.Context, req assist.Request) (string, error)
}

func (g *fakeGateway) Request(ctx context.Context, req assist.Request) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	reply := g.reply
	g.mu.Unlock()
	return reply(ctx, req)
}

func (g *fakeGateway) Calls() []assist.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]assist.Request(nil), g.calls...)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	broker := notify.NewBroker()
	s := store.New(db, broker, nil)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() {
		_ = broker.Close()
		_ = sqlDB.Close()
	})
	return s
}

type fixture struct {
	store   *store.Store
	gateway *fakeGateway
	user    *models.Identity
	session *Session
}

func newFixture(t *testing.T, reply func(ctx context.Context, req assist.Request) (string, error)) *fixture {
	t.Helper()
	st := newStore(t)
	user, err := st.CreateIdentity(context.Background(), "otter")
	require.NoError(t, err)

	gw := &fakeGateway{reply: reply}
	sess := NewSession(SessionConfig{RoomID: "aisle-7", UserID: user.ID}, Deps{
		Store:   st,
		Gateway: gw,
		Parser:  command.NewParser(command.DefaultPersona),
	})
	t.Cleanup(sess.Teardown)
	return &fixture{store: st, gateway: gw, user: user, session: sess}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.session.Start(ctx))
}

func waitView(t *testing.T, s *Session, cond func(View) bool) View {
	t.Helper()
	var v View
	require.Eventually(t, func() bool {
		v = s.View()
		return cond(v)
	}, 3*time.Second, 5*time.Millisecond)
	return v
}

func answer(text string) func(context.Context, assist.Request) (string, error) {
	return func(context.Context, assist.Request) (string, error) { return text, nil }
}

func TestSession_StartBecomesActive(t *testing.T) {
	f := newFixture(t, answer("x"))
	assert.Equal(t, StateConnecting, f.session.View().State)

	f.start(t)
	v := f.session.View()
	assert.Equal(t, StateActive, v.State)
	assert.Equal(t, "aisle-7", v.Title)
	assert.Equal(t, "otter", v.Handle)
	assert.Equal(t, ContentNotice, v.Notice)
	assert.Empty(t, v.AssistStatus)
}

func TestSession_StartUsesRoomTitleAndCache(t *testing.T) {
	st := newStore(t)
	_, err := st.EnsureRoom(context.Background(), "deli", "Deli Counter")
	require.NoError(t, err)
	rooms := cache.New(cache.Options{})
	defer rooms.Close()

	sess := NewSession(SessionConfig{RoomID: "deli", UserID: "no-identity"}, Deps{Store: st, Gateway: &fakeGateway{}, Rooms: rooms})
	defer sess.Teardown()
	require.NoError(t, sess.Start(context.Background()))

	v := sess.View()
	assert.Equal(t, "Deli Counter", v.Title)
	assert.Equal(t, models.DefaultHandle, v.Handle)
	_, cached := rooms.Get("deli")
	assert.True(t, cached)
}

func TestSession_StartShowsExistingLog(t *testing.T) {
	f := newFixture(t, answer("x"))
	require.NoError(t, f.store.AppendMessage(context.Background(), &models.Message{
		RoomID: "aisle-7", AuthorID: "someone", AuthorHandle: "early bird", Body: "first", Kind: models.KindUser,
	}))

	f.start(t)
	v := f.session.View()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "first", v.Messages[0].Body)
	assert.Equal(t, "early bird", v.Messages[0].Handle)
	assert.False(t, v.Messages[0].Self)
}

func TestSession_PlainSend(t *testing.T) {
	f := newFixture(t, answer("x"))
	f.start(t)

	require.NoError(t, f.session.Send(context.Background(), "  hello  "))
	v := waitView(t, f.session, func(v View) bool { return len(v.Messages) == 1 })
	assert.Equal(t, "hello", v.Messages[0].Body)
	assert.Equal(t, "otter", v.Messages[0].Handle)
	assert.True(t, v.Messages[0].Self)
	assert.Empty(t, f.gateway.Calls())
}

func TestSession_AskEndToEnd(t *testing.T) {
	f := newFixture(t, answer("We close at 9pm."))
	f.start(t)

	require.NoError(t, f.session.Send(context.Background(), "\\ask when does the store close"))

	calls := f.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, assist.Request{RoomID: "aisle-7", Mode: assist.ModeQA, Question: "when does the store close"}, calls[0])

	v := waitView(t, f.session, func(v View) bool { return len(v.Messages) == 2 })
	assert.Equal(t, models.KindUser, v.Messages[0].Kind)
	assert.Equal(t, "when does the store close", v.Messages[0].Body)
	assert.Equal(t, models.KindAssistant, v.Messages[1].Kind)
	assert.Equal(t, "We close at 9pm.", v.Messages[1].Body)
	assert.Equal(t, command.DefaultPersona, v.Messages[1].Handle)
	assert.Empty(t, v.AssistStatus)
	assert.False(t, v.AssistInFlight)
}

func TestSession_PostThenAsk(t *testing.T) {
	f := newFixture(t, answer("Aisle 4."))
	f.start(t)

	question, err := f.session.Post(context.Background(), "plain words")
	require.NoError(t, err)
	assert.Empty(t, question)

	question, err = f.session.Post(context.Background(), "\\ask where is the bread")
	require.NoError(t, err)
	assert.Equal(t, "where is the bread", question)
	assert.Empty(t, f.gateway.Calls())

	v := waitView(t, f.session, func(v View) bool { return len(v.Messages) == 2 })
	assert.Equal(t, "where is the bread", v.Messages[1].Body)

	require.NoError(t, f.session.Ask(context.Background(), question))
	v = waitView(t, f.session, func(v View) bool { return len(v.Messages) == 3 })
	assert.Equal(t, "Aisle 4.", v.Messages[2].Body)
	assert.Len(t, f.gateway.Calls(), 1)
}

func TestSession_FailedAssistAppendsNoAnswer(t *testing.T) {
	f := newFixture(t, func(context.Context, assist.Request) (string, error) {
		return "", &assist.Error{Mode: assist.ModeQA, Detail: "quota exceeded"}
	})
	f.start(t)

	err := f.session.Send(context.Background(), "\\mr monopoly any deals?")
	var ae *assist.Error
	require.ErrorAs(t, err, &ae)

	v := waitView(t, f.session, func(v View) bool { return len(v.Messages) == 1 })
	assert.Equal(t, "quota exceeded", v.AssistStatus)
	assert.False(t, v.AssistInFlight)

	msgs, err := f.store.ListMessages(context.Background(), "aisle-7")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.KindUser, msgs[0].Kind)
}

func TestSession_EmptyCommandShowsHint(t *testing.T) {
	f := newFixture(t, answer("x"))
	f.start(t)

	err := f.session.Send(context.Background(), " \\ask   ")
	assert.ErrorIs(t, err, command.ErrEmptyCommand)
	assert.Equal(t, "Add a question after \\ask to query Mr. Monopoly.", f.session.View().AssistStatus)
	assert.Empty(t, f.gateway.Calls())

	msgs, err := f.store.ListMessages(context.Background(), "aisle-7")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, f.session.Send(context.Background(), "   "), command.ErrEmptyMessage)
}

func TestSession_SendNotBlockedByInFlightAssist(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ assist.Request) (string, error) {
		select {
		case <-release:
			return "answer", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	f.start(t)

	askDone := make(chan error, 1)
	go func() { askDone <- f.session.Send(context.Background(), "\\ask question") }()

	v := waitView(t, f.session, func(v View) bool { return v.AssistInFlight })
	assert.Equal(t, "Asking Mr. Monopoly…", v.AssistStatus)

	require.NoError(t, f.session.Send(context.Background(), "meanwhile"))
	v = waitView(t, f.session, func(v View) bool { return len(v.Messages) == 2 })
	assert.Equal(t, "meanwhile", v.Messages[1].Body)
	assert.True(t, v.AssistInFlight)

	close(release)
	require.NoError(t, <-askDone)
	waitView(t, f.session, func(v View) bool { return len(v.Messages) == 3 && !v.AssistInFlight })
}

func TestSession_SummaryUsesOwnSlot(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(_ context.Context, req assist.Request) (string, error) {
		if req.Mode == assist.ModeSummary {
			<-release
			return "Folks are comparing cereal prices.", nil
		}
		return "Aisle 4.", nil
	})
	f.start(t)

	sumDone := make(chan error, 1)
	go func() { sumDone <- f.session.Summarize(context.Background()) }()
	waitView(t, f.session, func(v View) bool { return v.Summarizing })

	require.NoError(t, f.session.Send(context.Background(), "\\ask where is the cereal"))
	v := f.session.View()
	assert.True(t, v.Summarizing)
	assert.Empty(t, v.AssistStatus)

	close(release)
	require.NoError(t, <-sumDone)
	v = waitView(t, f.session, func(v View) bool { return !v.Summarizing && len(v.Messages) == 2 })
	assert.Equal(t, "Folks are comparing cereal prices.", v.Summary)

	msgs, err := f.store.ListMessages(context.Background(), "aisle-7")
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, v.Summary, m.Body, "summary must not be posted")
	}
}

func TestSession_SummaryFailureText(t *testing.T) {
	f := newFixture(t, func(context.Context, assist.Request) (string, error) {
		return "", &assist.Error{Mode: assist.ModeSummary, Detail: assist.DefaultSummaryError}
	})
	f.start(t)

	assert.Error(t, f.session.Summarize(context.Background()))
	v := f.session.View()
	assert.Equal(t, assist.DefaultSummaryError, v.Summary)
	assert.False(t, v.Summarizing)
}

func TestSession_ResolvesHandlesAfterBatch(t *testing.T) {
	f := newFixture(t, answer("x"))
	other, err := f.store.CreateIdentity(context.Background(), "heron")
	require.NoError(t, err)
	f.start(t)

	ctx := context.Background()
	require.NoError(t, f.store.AppendMessage(ctx, &models.Message{
		RoomID: "aisle-7", AuthorID: other.ID, AuthorHandle: "stale", Body: "hi", Kind: models.KindUser,
	}))
	require.NoError(t, f.store.AppendMessage(ctx, &models.Message{
		RoomID: "aisle-7", AuthorID: "ghost", AuthorHandle: "", Body: "boo", Kind: models.KindUser,
	}))

	v := waitView(t, f.session, func(v View) bool {
		return len(v.Messages) == 2 && v.Messages[0].Handle == "heron"
	})
	// unknown author with no denormalized handle shows the raw id
	assert.Equal(t, "ghost", v.Messages[1].Handle)
}

func TestSession_TeardownStopsEverything(t *testing.T) {
	f := newFixture(t, answer("x"))
	f.start(t)
	updates := f.session.Updates()

	f.session.Teardown()
	f.session.Teardown()

	before := f.session.View()
	assert.Equal(t, StateClosed, before.State)

	require.NoError(t, f.store.AppendMessage(context.Background(), &models.Message{
		RoomID: "aisle-7", AuthorID: "someone", Body: "after teardown", Kind: models.KindUser,
	}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, f.session.View())

	for range updates {
	}
	assert.ErrorIs(t, f.session.Send(context.Background(), "hi"), ErrClosed)
	assert.ErrorIs(t, f.session.Ask(context.Background(), "hi"), ErrClosed)
	assert.ErrorIs(t, f.session.Summarize(context.Background()), ErrClosed)
	assert.ErrorIs(t, f.session.Start(context.Background()), ErrClosed)
}

func TestSession_TeardownCancelsInFlightAssist(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, _ assist.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	f.start(t)

	done := make(chan error, 1)
	go func() { done <- f.session.Send(context.Background(), "\\ask hello?") }()
	waitView(t, f.session, func(v View) bool { return v.AssistInFlight })

	f.session.Teardown()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("assist not cancelled by teardown")
	}
}

func TestSession_OperationsBeforeStart(t *testing.T) {
	f := newFixture(t, answer("x"))
	assert.ErrorIs(t, f.session.Send(context.Background(), "hi"), ErrNotStarted)
	assert.ErrorIs(t, f.session.Resubscribe(), ErrNotStarted)
}

func TestSession_ResubscribeKeepsView(t *testing.T) {
	f := newFixture(t, answer("x"))
	f.start(t)
	require.NoError(t, f.session.Send(context.Background(), "one"))
	waitView(t, f.session, func(v View) bool { return len(v.Messages) == 1 })

	require.NoError(t, f.session.Resubscribe())
	require.NoError(t, f.session.Send(context.Background(), "two"))
	v := waitView(t, f.session, func(v View) bool { return len(v.Messages) == 2 })
	assert.Equal(t, "two", v.Messages[1].Body)
	assert.Empty(t, v.StreamError)
}
