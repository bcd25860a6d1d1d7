package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	idPrefix    = "user:id:"
	emailPrefix = "user:email:"
)

// BadgerKey is the key holding the user record for id.
func BadgerKey(id string) []byte {
	return []byte(idPrefix + id)
}

func emailKey(email string) []byte {
	return []byte(emailPrefix + email)
}

// BadgerStore implements Store on an embedded BadgerDB. Users are stored
// under "user:id:{id}" with a secondary "user:email:{email}" -> id index.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Create(_ context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := validate(u); err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(record(*u))
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(emailKey(u.Email)); err == nil {
			return ErrDuplicateEmail
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, err := txn.Get(BadgerKey(u.ID)); err == nil {
			return ErrDuplicateID
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(emailKey(u.Email), []byte(u.ID)); err != nil {
			return err
		}
		return txn.Set(BadgerKey(u.ID), data)
	})
}

func (s *BadgerStore) GetByID(_ context.Context, id string) (*User, error) {
	var u *User
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		u, err = get(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *BadgerStore) GetByEmail(_ context.Context, email string) (*User, error) {
	var u *User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(emailKey(email))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		u, err = get(txn, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *BadgerStore) ListExcept(_ context.Context, excludedID string) ([]User, error) {
	users := make([]User, 0)
	prefix := []byte(idPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var r record
				if err := json.Unmarshal(value, &r); err != nil {
					return err
				}
				if r.ID != excludedID {
					users = append(users, User(r))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})
	return users, nil
}

func (s *BadgerStore) TouchLastSeen(_ context.Context, id string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		u, err := get(txn, id)
		if err != nil {
			return err
		}
		at = at.UTC()
		u.LastSeen = &at
		data, err := json.Marshal(record(*u))
		if err != nil {
			return err
		}
		return txn.Set(BadgerKey(id), data)
	})
}

// record keeps the password hash in the persisted JSON, which User hides.
type record struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	AvatarURL    string     `json:"avatar_url"`
	PasswordHash string     `json:"password_hash"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSeen     *time.Time `json:"last_seen"`
}

func get(txn *badger.Txn, id string) (*User, error) {
	item, err := txn.Get(BadgerKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	var r record
	err = item.Value(func(value []byte) error {
		return json.Unmarshal(value, &r)
	})
	if err != nil {
		return nil, err
	}
	u := User(r)
	return &u, nil
}
