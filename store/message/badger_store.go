package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/nexus-im/courier/store/user"
)

// BadgerStore implements Store on an embedded BadgerDB. It shares the
// database with user.BadgerStore so that receiver checks and the insert
// run in one transaction.
type BadgerStore struct {
	db    *badger.DB
	clock *Clock
}

func NewBadgerStore(db *badger.DB, clock *Clock) *BadgerStore {
	if clock == nil {
		clock = NewClock(nil)
	}
	return &BadgerStore{db: db, clock: clock}
}

// conversationPrefix is "msg:{lo}:{hi}:". Ids never contain ':' (uuid or
// caller supplied ids validated by the user store), so the prefix is unambiguous.
func conversationPrefix(userA, userB string) string {
	lo, hi := PairKey(userA, userB)
	return fmt.Sprintf("msg:%s:%s:", lo, hi)
}

// messageKey pads the timestamp to 19 digits so that lexicographic key
// order is chronological; the id breaks ties.
func messageKey(m *Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s",
		conversationPrefix(m.SenderID, m.ReceiverID),
		m.CreatedAt.UnixNano(),
		m.ID,
	))
}

func (s *BadgerStore) Append(ctx context.Context, draft Draft) (*Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	msg := draft.build(id.String(), s.clock.Stamp())

	value, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(user.BadgerKey(msg.SenderID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSenderNotFound
			}
			return err
		}
		if _, err := txn.Get(user.BadgerKey(msg.ReceiverID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrReceiverNotFound
			}
			return err
		}
		return txn.Set(messageKey(msg), value)
	})
	if err != nil {
		if errors.Is(err, ErrSenderNotFound) || errors.Is(err, ErrReceiverNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store message: %w", err)
	}

	return msg, nil
}

func (s *BadgerStore) QueryConversation(ctx context.Context, userA, userB string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(conversationPrefix(userA, userB))
	messages := make([]Message, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var m Message
				if err := json.Unmarshal(value, &m); err != nil {
					return err
				}
				m.CreatedAt = m.CreatedAt.UTC()
				messages = append(messages, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	return messages, nil
}
