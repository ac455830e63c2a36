package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/course"
	"github.com/trezcool/masomo-offline/core/user"
	inmemkv "github.com/trezcool/masomo-offline/storage/kvstore/inmem"
)

// CreateAccount seeds a users record on gw.
func CreateAccount(
	t *testing.T,
	gw *RecordGateway,
	name, email, role string,
	isApproved bool,
	createdAt ...time.Time,
) core.Record {
	t.Helper()
	rec := gw.Put(core.CollectionUsers, user.Account{
		Name:       name,
		Email:      email,
		Role:       role,
		IsApproved: isApproved,
	})
	if len(createdAt) > 0 {
		gw.mu.Lock()
		rec.CreatedAt = createdAt[0].UTC()
		gw.collections[core.CollectionUsers][rec.ID] = rec
		gw.mu.Unlock()
	}
	return rec
}

// NewValidate returns a validator with every validation of the app registered.
func NewValidate() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate
}

// NewCourse returns a valid course titled title.
func NewCourse(title, ownerID string) course.Course {
	return course.Course{Title: title, Description: "About " + title, OwnerID: ownerID}
}

// Store is an in-memory core.Store with failure and corruption injection.
type Store struct {
	*inmemkv.Store

	mu     sync.Mutex
	setErr error
	sets   map[string]int
}

var _ core.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{Store: inmemkv.NewStore(), sets: make(map[string]int)}
}

// Corrupt stores an undecodable value under key.
func (s *Store) Corrupt(t *testing.T, key string) {
	t.Helper()
	if err := s.Store.Set(context.Background(), key, []byte("{corrupt")); err != nil {
		t.Fatalf("Corrupt(%s): %v", key, err)
	}
}

// SetErr makes every following Set fail with err (nil resets).
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr = err
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	err := s.setErr
	s.sets[key]++
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Set(ctx, key, value)
}

// Sets returns the number of Set calls made on key.
func (s *Store) Sets(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[key]
}

// Has reports whether key holds a value.
func (s *Store) Has(t *testing.T, key string) bool {
	t.Helper()
	_, ok, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return ok
}

// LogEntry is an entry recorded by Logger.
type LogEntry struct {
	Level string
	Msg   string
	Args  []interface{}
}

func (e LogEntry) String() string {
	return fmt.Sprintf("%s: %s %v", e.Level, e.Msg, e.Args)
}

// Logger records entries in memory.
type Logger struct {
	mu      sync.Mutex
	entries []LogEntry
}

var _ core.Logger = (*Logger)(nil)

func NewLogger() *Logger { return &Logger{} }

func (l *Logger) log(level, msg string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Msg: msg, Args: args})
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log("debug", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log("info", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log("warn", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log("error", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) { l.log("fatal", msg, args) }

// Entries returns the recorded entries, optionally filtered by level.
func (l *Logger) Entries(levels ...string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]LogEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if len(levels) == 0 || contains(levels, e.Level) {
			entries = append(entries, e)
		}
	}
	return entries
}
