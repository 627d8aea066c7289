package kms

import (
	"slices"

	"github.com/ruteri/wallet-kms/secret"
)

// AddUser grants userID access to the store under password.
func (s *Session) AddUser(userID string, password *secret.Secret) error {
	if userID == "" {
		return ErrInvalidCredentials
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.masterKey == nil {
		return ErrSessionClosed
	}

	if s.kms.store.ContainsKey(UserKey(userID)) {
		return ErrUserExists
	}

	rec, err := wrapMasterKey(userID, password, s.masterKey, s.kms.kdf)
	if err != nil {
		return err
	}
	key := UserKey(userID)
	err = s.kms.store.SetIf(key, StoredRecord{User: rec}, func(entries map[RecordKey]StoredRecord) error {
		if _, ok := entries[key]; ok {
			return ErrUserExists
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.kms.log.Info("Added user", "user", userID, "by", s.userID)
	return nil
}

// RemoveUser revokes userID. The last remaining user cannot be removed.
func (s *Session) RemoveUser(userID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	key := UserKey(userID)
	_, err := s.kms.store.DeleteIf(key, func(entries map[RecordKey]StoredRecord) error {
		if _, ok := entries[key]; !ok {
			return ErrUserNotFound
		}
		users := 0
		for k := range entries {
			if k.IsUser() {
				users++
			}
		}
		if users == 1 {
			return ErrCannotRemoveLastUser
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.kms.log.Info("Removed user", "user", userID, "by", s.userID)
	return nil
}

// ChangePassword rewraps the master key for userID under newPassword with a
// fresh salt.
func (s *Session) ChangePassword(userID string, newPassword *secret.Secret) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.masterKey == nil {
		return ErrSessionClosed
	}

	if !s.kms.store.ContainsKey(UserKey(userID)) {
		return ErrUserNotFound
	}

	rec, err := wrapMasterKey(userID, newPassword, s.masterKey, s.kms.kdf)
	if err != nil {
		return err
	}
	key := UserKey(userID)
	err = s.kms.store.SetIf(key, StoredRecord{User: rec}, func(entries map[RecordKey]StoredRecord) error {
		if _, ok := entries[key]; !ok {
			return ErrUserNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.kms.log.Info("Changed password", "user", userID, "by", s.userID)
	return nil
}

// ListUsers returns the ids of all users in sorted order.
func (s *Session) ListUsers() ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	users := s.kms.users()
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
