package user

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dgraph-io/badger/v4"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func newBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerStore(db)
}

func TestBadgerStore_Create_And_Lookup(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newBadgerStore(t)

	hash, err := HashPassword("correct horse")
	req.NoError(err)

	// Given a new user without id
	u := &User{Email: "alice@example.com", DisplayName: "Alice", PasswordHash: hash}
	req.NoError(store.Create(ctx, u))
	req.NotEmpty(u.ID)

	// Then it can be found by id and email
	byID, err := store.GetByID(ctx, u.ID)
	req.NoError(err)
	req.Equal("Alice", byID.DisplayName)
	req.True(byID.CheckPassword("correct horse"))
	req.False(byID.CheckPassword("wrong"))

	byEmail, err := store.GetByEmail(ctx, "alice@example.com")
	req.NoError(err)
	req.Equal(u.ID, byEmail.ID)

	// And the email is unique
	err = store.Create(ctx, &User{Email: "alice@example.com", DisplayName: "Other"})
	req.ErrorIs(err, ErrDuplicateEmail)
}

func TestBadgerStore_Create_Duplicate_ID(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newBadgerStore(t)
	req.NoError(store.Create(ctx, &User{ID: "alice", Email: "alice@example.com", DisplayName: "Alice"}))

	// When another email reuses the id
	err := store.Create(ctx, &User{ID: "alice", Email: "other@example.com", DisplayName: "Other"})

	// Then the id is reported as taken, not the email
	req.ErrorIs(err, ErrDuplicateID)
	req.NotErrorIs(err, ErrDuplicateEmail)
}

func TestBadgerStore_ListExcept(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newBadgerStore(t)

	for _, u := range []*User{
		{ID: "u1", Email: "a@example.com", DisplayName: "Alice"},
		{ID: "u2", Email: "b@example.com", DisplayName: "Bob"},
		{ID: "u3", Email: "c@example.com", DisplayName: "Clara"},
	} {
		req.NoError(store.Create(ctx, u))
	}

	users, err := store.ListExcept(ctx, "u2")
	req.NoError(err)
	req.Len(users, 2)
	req.Equal("u1", users[0].ID)
	req.Equal("u3", users[1].ID)
}

func TestBadgerStore_TouchLastSeen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newBadgerStore(t)
	req.NoError(store.Create(ctx, &User{ID: "u1", Email: "a@example.com", DisplayName: "Alice"}))

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	req.NoError(store.TouchLastSeen(ctx, "u1", at))

	u, err := store.GetByID(ctx, "u1")
	req.NoError(err)
	req.NotNil(u.LastSeen)
	req.True(at.Equal(*u.LastSeen))

	req.ErrorIs(store.TouchLastSeen(ctx, "ghost", at), ErrUserNotFound)
}

func TestBadgerStore_Rejects_Colon_In_Id(t *testing.T) {
	store := newBadgerStore(t)
	err := store.Create(context.Background(), &User{ID: "a:b", Email: "a@example.com", DisplayName: "A"})
	require.ErrorIs(t, err, ErrInvalidUser)
}

func TestSQLStore_GetByID_Not_Found(t *testing.T) {
	req := require.New(t)
	db, mock, err := sqlmock.New()
	req.NoError(err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "full_name", "profile_pic", "password_hash", "created_at", "last_seen"}))

	_, err = NewSQLStore(db).GetByID(context.Background(), "ghost")
	req.ErrorIs(err, ErrUserNotFound)
	req.NoError(mock.ExpectationsWereMet())
}

func TestSQLStore_ListExcept(t *testing.T) {
	req := require.New(t)
	db, mock, err := sqlmock.New()
	req.NoError(err)
	defer db.Close()

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seen := created.Add(time.Hour)
	rows := sqlmock.NewRows([]string{"id", "email", "full_name", "profile_pic", "password_hash", "created_at", "last_seen"}).
		AddRow("u1", "a@example.com", "Alice", "https://cdn.example.com/a.png", "x", created, seen).
		AddRow("u3", "c@example.com", "Clara", "", "y", created, nil)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id <> $1")).WithArgs("u2").WillReturnRows(rows)

	users, err := NewSQLStore(db).ListExcept(context.Background(), "u2")
	req.NoError(err)
	req.Len(users, 2)
	req.Equal("https://cdn.example.com/a.png", users[0].AvatarURL)
	req.NotNil(users[0].LastSeen)
	req.Nil(users[1].LastSeen)
	req.NoError(mock.ExpectationsWereMet())
}

func TestSQLStore_Create_Duplicate(t *testing.T) {
	req := require.New(t)
	db, mock, err := sqlmock.New()
	req.NoError(err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})

	err = NewSQLStore(db).Create(context.Background(), &User{Email: "a@example.com", DisplayName: "Alice"})
	req.ErrorIs(err, ErrDuplicateEmail)
}

func TestSQLStore_Create_Duplicate_ID(t *testing.T) {
	req := require.New(t)
	db, mock, err := sqlmock.New()
	req.NoError(err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_pkey"})

	err = NewSQLStore(db).Create(context.Background(), &User{ID: "alice", Email: "a@example.com", DisplayName: "Alice"})
	req.ErrorIs(err, ErrDuplicateID)
}

func TestSQLStore_TouchLastSeen_Unknown(t *testing.T) {
	req := require.New(t)
	db, mock, err := sqlmock.New()
	req.NoError(err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET last_seen")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewSQLStore(db).TouchLastSeen(context.Background(), "ghost", time.Now())
	req.ErrorIs(err, ErrUserNotFound)
}
