package kms

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/storage"
)

const (
	userKeyPrefix = "User(user_id="
	userKeySuffix = ")"
)

// RecordKey addresses an entry of the KMS store: either a key handle or a
// user entry. User entries sort after all handles.
type RecordKey struct {
	handle interfaces.KeyHandle
	userID string
	isUser bool
}

// HandleKey returns the record key for a key handle.
func HandleKey(h interfaces.KeyHandle) RecordKey {
	return RecordKey{handle: h}
}

// UserKey returns the record key for a user entry.
func UserKey(userID string) RecordKey {
	return RecordKey{userID: userID, isUser: true}
}

func (k RecordKey) IsUser() bool                 { return k.isUser }
func (k RecordKey) UserID() string               { return k.userID }
func (k RecordKey) Handle() interfaces.KeyHandle { return k.handle }

func (k RecordKey) String() string {
	if k.isUser {
		return userKeyPrefix + hex.EncodeToString([]byte(k.userID)) + userKeySuffix
	}
	return k.handle.String()
}

func (k RecordKey) MarshalText() ([]byte, error) {
	if !k.isUser && k.handle.IsZero() {
		return nil, fmt.Errorf("%w: empty record key", interfaces.ErrInvalidKeyHandle)
	}
	return []byte(k.String()), nil
}

func (k *RecordKey) UnmarshalText(text []byte) error {
	s := string(text)
	if strings.HasPrefix(s, userKeyPrefix) && strings.HasSuffix(s, userKeySuffix) {
		raw, err := hex.DecodeString(strings.TrimSuffix(strings.TrimPrefix(s, userKeyPrefix), userKeySuffix))
		if err != nil || len(raw) == 0 {
			return fmt.Errorf("%w: bad user key %q", interfaces.ErrInvalidKeyHandle, s)
		}
		*k = UserKey(string(raw))
		return nil
	}

	h, err := interfaces.ParseKeyHandle(s)
	if err != nil {
		return err
	}
	*k = HandleKey(h)
	return nil
}

// Compare orders handles before users, handles structurally and users by id.
func (k RecordKey) Compare(other RecordKey) int {
	switch {
	case k.isUser != other.isUser:
		if k.isUser {
			return 1
		}
		return -1
	case k.isUser:
		return cmp.Compare(k.userID, other.userID)
	default:
		return k.handle.Compare(other.handle)
	}
}

// Record kinds as written to the "kind" field.
const (
	kindRawKey         = "raw_key"
	kindDerivationSeed = "derivation_seed"
	kindDerivedKey     = "derived_key"
	kindUser           = "user"
)

// RawKeyRecord is a private key encrypted under the master storage key.
type RawKeyRecord struct {
	EncryptedKey []byte             `json:"encrypted_key"`
	Nonce        []byte             `json:"nonce"`
	PublicKey    []byte             `json:"public_key"`
	KeyType      interfaces.KeyType `json:"key_type"`
}

// SeedRecord is a derivation seed encrypted under the master storage key.
type SeedRecord struct {
	EncryptedSeed []byte              `json:"encrypted_seed"`
	Nonce         []byte              `json:"nonce"`
	SeedHash      interfaces.SeedHash `json:"seed_hash"`
	Network       interfaces.Network  `json:"network"`
}

// DerivedKeyRecord registers a derived key. It carries public data only; the
// private key is recomputed from the seed on demand.
type DerivedKeyRecord struct {
	DerivationPath string              `json:"derivation_path"`
	SeedHash       interfaces.SeedHash `json:"seed_hash"`
	PublicKey      []byte              `json:"public_key"`
	Network        interfaces.Network  `json:"network"`
}

// UserRecord wraps the master storage key under a key derived from the
// user's password.
type UserRecord struct {
	UserID             string                `json:"user_id"`
	EncryptedMasterKey []byte                `json:"encrypted_master_key"`
	Nonce              []byte                `json:"nonce"`
	Salt               []byte                `json:"salt"`
	KDF                cryptoutils.KDFParams `json:"kdf"`
	CreatedAt          time.Time             `json:"created_at"`
}

// StoredRecord is the value type of the KMS store. Exactly one variant is set.
type StoredRecord struct {
	RawKey  *RawKeyRecord
	Seed    *SeedRecord
	Derived *DerivedKeyRecord
	User    *UserRecord
}

func (r StoredRecord) Kind() string {
	switch {
	case r.RawKey != nil:
		return kindRawKey
	case r.Seed != nil:
		return kindDerivationSeed
	case r.Derived != nil:
		return kindDerivedKey
	case r.User != nil:
		return kindUser
	default:
		return ""
	}
}

// Wipe zeroes the ciphertexts held by the record. Called by the store when
// the record is replaced or removed.
func (r StoredRecord) Wipe() {
	switch {
	case r.RawKey != nil:
		cryptoutils.Wipe(r.RawKey.EncryptedKey)
		cryptoutils.Wipe(r.RawKey.Nonce)
	case r.Seed != nil:
		cryptoutils.Wipe(r.Seed.EncryptedSeed)
		cryptoutils.Wipe(r.Seed.Nonce)
	case r.User != nil:
		cryptoutils.Wipe(r.User.EncryptedMasterKey)
		cryptoutils.Wipe(r.User.Nonce)
		cryptoutils.Wipe(r.User.Salt)
	}
}

// Clone returns a deep copy of the record. The store hands out clones so
// readers keep valid bytes after the stored record is wiped.
func (r StoredRecord) Clone() StoredRecord {
	var out StoredRecord
	switch {
	case r.RawKey != nil:
		rec := *r.RawKey
		rec.EncryptedKey = bytes.Clone(rec.EncryptedKey)
		rec.Nonce = bytes.Clone(rec.Nonce)
		rec.PublicKey = bytes.Clone(rec.PublicKey)
		out.RawKey = &rec
	case r.Seed != nil:
		rec := *r.Seed
		rec.EncryptedSeed = bytes.Clone(rec.EncryptedSeed)
		rec.Nonce = bytes.Clone(rec.Nonce)
		out.Seed = &rec
	case r.Derived != nil:
		rec := *r.Derived
		rec.PublicKey = bytes.Clone(rec.PublicKey)
		out.Derived = &rec
	case r.User != nil:
		rec := *r.User
		rec.EncryptedMasterKey = bytes.Clone(rec.EncryptedMasterKey)
		rec.Nonce = bytes.Clone(rec.Nonce)
		rec.Salt = bytes.Clone(rec.Salt)
		out.User = &rec
	}
	return out
}

var _ storage.Cloner[StoredRecord] = StoredRecord{}

func (r StoredRecord) MarshalJSON() ([]byte, error) {
	switch {
	case r.RawKey != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			*RawKeyRecord
		}{kindRawKey, r.RawKey})
	case r.Seed != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			*SeedRecord
		}{kindDerivationSeed, r.Seed})
	case r.Derived != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			*DerivedKeyRecord
		}{kindDerivedKey, r.Derived})
	case r.User != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			*UserRecord
		}{kindUser, r.User})
	default:
		return nil, fmt.Errorf("empty stored record")
	}
}

func (r *StoredRecord) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	*r = StoredRecord{}
	switch head.Kind {
	case kindRawKey:
		r.RawKey = &RawKeyRecord{}
		return json.Unmarshal(data, r.RawKey)
	case kindDerivationSeed:
		r.Seed = &SeedRecord{}
		return json.Unmarshal(data, r.Seed)
	case kindDerivedKey:
		r.Derived = &DerivedKeyRecord{}
		return json.Unmarshal(data, r.Derived)
	case kindUser:
		r.User = &UserRecord{}
		return json.Unmarshal(data, r.User)
	default:
		return fmt.Errorf("unknown record kind %q", head.Kind)
	}
}

// verifyRecord checks that rec is the variant h addresses and that every
// identifying field agrees with the handle.
func verifyRecord(h interfaces.KeyHandle, rec StoredRecord) error {
	mismatch := func(field string) error {
		return keyError("verify", h, fmt.Errorf("%w: %s differs", ErrKeyIntegrity, field))
	}

	switch h.Kind() {
	case interfaces.RawKeyHandle:
		if rec.RawKey == nil {
			return mismatch("record kind")
		}
		if !bytes.Equal(rec.RawKey.PublicKey, h.PublicKey()) {
			return mismatch("public key")
		}
		if rec.RawKey.KeyType != h.KeyType() {
			return mismatch("key type")
		}
	case interfaces.DerivationSeedHandle:
		if rec.Seed == nil {
			return mismatch("record kind")
		}
		if rec.Seed.SeedHash != h.SeedHash() {
			return mismatch("seed hash")
		}
		if rec.Seed.Network != h.Network() {
			return mismatch("network")
		}
	case interfaces.DerivedHandle:
		if rec.Derived == nil {
			return mismatch("record kind")
		}
		if rec.Derived.SeedHash != h.SeedHash() {
			return mismatch("seed hash")
		}
		if rec.Derived.Network != h.Network() {
			return mismatch("network")
		}
		if rec.Derived.DerivationPath != h.DerivationPath().String() {
			return mismatch("derivation path")
		}
	default:
		return mismatch("handle kind")
	}
	return nil
}
