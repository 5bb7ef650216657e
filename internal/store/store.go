// Package store is the room log storage collaborator: rooms, messages and
// anonymous identities in a SQL database, plus change notification.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"icebreaker/backend/internal/metrics"
	"icebreaker/backend/internal/models"
	"icebreaker/backend/internal/store/notify"
	"icebreaker/backend/pkg/logger"
)

// MaxBodyLength is the longest accepted message body, in runes
const MaxBodyLength = 1000

var (
	ErrNotFound     = errors.New("not found")
	ErrBodyTooLong  = fmt.Errorf("message body exceeds %d characters", MaxBodyLength)
	ErrEmptyBody    = errors.New("message body is empty")
	ErrMissingField = errors.New("missing required field")
)

var tracer = otel.Tracer("icebreaker/store")

// Store persists room logs with gorm and signals changes through a notifier
type Store struct {
	db       *gorm.DB
	notifier notify.Notifier
	log      *logger.Logger

	mu      sync.Mutex
	last    time.Time
	entropy io.Reader
	now     func() time.Time
}

// New creates a store. notifier may be shared with other stores.
func New(db *gorm.DB, notifier notify.Notifier, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{
		db:       db,
		notifier: notifier,
		log:      log.WithComponent("store"),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		now:      time.Now,
	}
}

// Migrate creates or updates the tables
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&models.Room{}, &models.Message{}, &models.Identity{})
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// stamp returns a strictly increasing timestamp and a matching ULID.
// Timestamps are truncated to microseconds, the precision Postgres keeps.
func (s *Store) stamp() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now, ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

// AppendMessage assigns msg an id and creation time, inserts it and signals
// subscribers of the room. msg is updated in place.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	ctx, span := tracer.Start(ctx, "store.append_message")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", msg.RoomID), attribute.String("message.kind", string(msg.Kind)))

	if msg.RoomID == "" || msg.AuthorID == "" {
		return fmt.Errorf("%w: room_id and author_id", ErrMissingField)
	}
	if strings.TrimSpace(msg.Body) == "" {
		return ErrEmptyBody
	}
	if utf8.RuneCountInString(msg.Body) > MaxBodyLength {
		return ErrBodyTooLong
	}
	if msg.Kind == "" {
		msg.Kind = models.KindUser
	}

	msg.CreatedAt, msg.ID = s.stamp()
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		span.RecordError(err)
		s.log.LogError(err, "append message failed", "room_id", msg.RoomID)
		return fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesAppended.WithLabelValues(string(msg.Kind)).Inc()

	// the message is durable at this point; a lost signal only delays readers
	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, msg.RoomID); err != nil {
			s.log.Warn("change notification failed", "room_id", msg.RoomID, "error", err.Error())
		}
	}
	return nil
}

// ListMessages returns the room's log in order
func (s *Store) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages for room %s: %w", roomID, err)
	}
	return msgs, nil
}

// GetMessage returns one message of a room
func (s *Store) GetMessage(ctx context.Context, roomID, id string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).Where("room_id = ? AND id = ?", roomID, id).First(&msg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

// Changes subscribes to change signals for roomID
func (s *Store) Changes(ctx context.Context, roomID string) (<-chan struct{}, func(), error) {
	if s.notifier == nil {
		return nil, nil, errors.New("store has no notifier")
	}
	return s.notifier.Subscribe(ctx, roomID)
}

// GetRoom returns room metadata
func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error; err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

// ListRooms returns every room, oldest first
func (s *Store) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	if err := s.db.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// EnsureRoom creates the room if it does not exist. An existing room keeps
// its title.
func (s *Store) EnsureRoom(ctx context.Context, roomID, title string) (*models.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: room id", ErrMissingField)
	}
	room := models.Room{ID: roomID}
	err := s.db.WithContext(ctx).
		Where(models.Room{ID: roomID}).
		Attrs(models.Room{Title: title}).
		FirstOrCreate(&room).Error
	if err != nil {
		return nil, fmt.Errorf("ensure room %s: %w", roomID, err)
	}
	return &room, nil
}

// GetIdentity returns the identity for an author id
func (s *Store) GetIdentity(ctx context.Context, authorID string) (*models.Identity, error) {
	var ident models.Identity
	if err := s.db.WithContext(ctx).Where("id = ?", authorID).First(&ident).Error; err != nil {
		return nil, notFound(err)
	}
	return &ident, nil
}

// CreateIdentity issues a new anonymous identity
func (s *Store) CreateIdentity(ctx context.Context, handle string) (*models.Identity, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		handle = models.DefaultHandle
	}
	ident := models.Identity{ID: uuid.NewString(), Handle: handle}
	if err := s.db.WithContext(ctx).Create(&ident).Error; err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return &ident, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
