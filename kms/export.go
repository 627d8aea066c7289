package kms

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/awnumar/memguard"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/secret"
)

// BackupMagic opens every plaintext backup image.
const BackupMagic = "WKMSBAK1"

type backupEntry struct {
	handle   interfaces.KeyHandle
	material *secret.Secret
}

// Export serializes every raw key and derivation seed into a backup image and
// encrypts it under encryptionKey (32 bytes). Derived keys are not exported;
// they are recomputed from their seeds.
//
// The plaintext image only ever exists in a locked scratch buffer that is
// destroyed before Export returns. Output: nonce(12) || ciphertext.
func (s *Session) Export(encryptionKey *secret.Secret) ([]byte, error) {
	if encryptionKey.Len() != cryptoutils.KeySize {
		return nil, fmt.Errorf("%w: backup key must be %d bytes", cryptoutils.ErrInvalidKey, cryptoutils.KeySize)
	}

	entries, err := s.exportEntries()
	defer func() {
		for _, e := range entries {
			e.material.Destroy()
		}
	}()
	if err != nil {
		return nil, err
	}

	size := len(BackupMagic) + 4
	for _, e := range entries {
		size += 2 + len(e.handle.String()) + 2 + e.material.Len()
	}

	scratch := memguard.NewBuffer(size)
	defer scratch.Destroy()

	buf := scratch.Bytes()
	off := copy(buf, BackupMagic)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(entries)))
	off += 4
	for _, e := range entries {
		text := e.handle.String()
		binary.BigEndian.PutUint16(buf[off:], uint16(len(text)))
		off += 2
		off += copy(buf[off:], text)
		binary.BigEndian.PutUint16(buf[off:], uint16(e.material.Len()))
		off += 2
		off += copy(buf[off:], e.material.Bytes())
	}

	blob, err := cryptoutils.SealWithNonce(buf, encryptionKey)
	if err != nil {
		return nil, err
	}

	s.kms.log.Info("Exported keys", "count", len(entries), "user", s.userID)
	return blob, nil
}

func (s *Session) exportEntries() ([]backupEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.masterKey == nil {
		return nil, ErrSessionClosed
	}

	var entries []backupEntry
	for _, key := range s.kms.store.Keys() {
		if key.IsUser() {
			continue
		}
		handle := key.Handle()
		if handle.Kind() == interfaces.DerivedHandle {
			continue
		}

		rec, err := s.kms.record(handle)
		if err != nil {
			return entries, err
		}

		var material *secret.Secret
		switch {
		case rec.RawKey != nil:
			material, err = cryptoutils.DecryptSecret(rec.RawKey.EncryptedKey, rec.RawKey.Nonce, s.masterKey)
		case rec.Seed != nil:
			material, err = cryptoutils.DecryptSecret(rec.Seed.EncryptedSeed, rec.Seed.Nonce, s.masterKey)
		}
		if err != nil {
			return entries, keyError("export", handle, err)
		}
		if len(handle.String()) > math.MaxUint16 || material.Len() > math.MaxUint16 {
			material.Destroy()
			return entries, keyError("export", handle, fmt.Errorf("%w: entry too large", ErrInvalidBackup))
		}
		entries = append(entries, backupEntry{handle: handle, material: material})
	}
	return entries, nil
}

// Import decrypts a blob produced by Export and stores every entry under the
// session's master key. Entries already in the store are left as they are.
// Returns the handles contained in the backup.
func (s *Session) Import(blob []byte, encryptionKey *secret.Secret) ([]interfaces.KeyHandle, error) {
	plaintext, err := cryptoutils.OpenWithNonce(blob, encryptionKey)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(plaintext)

	entries, err := parseBackup(plaintext)
	defer func() {
		for _, e := range entries {
			e.material.Destroy()
		}
	}()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masterKey == nil {
		return nil, ErrSessionClosed
	}

	handles := make([]interfaces.KeyHandle, 0, len(entries))
	for _, e := range entries {
		if err := s.importEntryLocked(e); err != nil {
			return handles, err
		}
		handles = append(handles, e.handle)
	}

	s.kms.log.Info("Imported keys", "count", len(handles), "user", s.userID)
	return handles, nil
}

func (s *Session) importEntryLocked(e backupEntry) error {
	if s.kms.store.ContainsKey(HandleKey(e.handle)) {
		return nil
	}

	var rec StoredRecord
	switch e.handle.Kind() {
	case interfaces.RawKeyHandle:
		if e.handle.KeyType() != interfaces.KeyTypeECDSASecp256k1 || e.material.Len() != 32 {
			return keyError("import", e.handle, ErrNotSupported)
		}
		priv, pub := btcec.PrivKeyFromBytes(e.material.Bytes())
		priv.Zero()
		if !bytes.Equal(pub.SerializeCompressed(), e.handle.PublicKey()) {
			return keyError("import", e.handle, ErrKeyIntegrity)
		}

		ciphertext, nonce, err := cryptoutils.Encrypt(e.material.Bytes(), s.masterKey)
		if err != nil {
			return err
		}
		rec.RawKey = &RawKeyRecord{
			EncryptedKey: ciphertext,
			Nonce:        nonce,
			PublicKey:    e.handle.PublicKey(),
			KeyType:      e.handle.KeyType(),
		}

	case interfaces.DerivationSeedHandle:
		if ComputeSeedHash(e.material.Bytes()) != e.handle.SeedHash() {
			return keyError("import", e.handle, ErrKeyIntegrity)
		}

		ciphertext, nonce, err := cryptoutils.Encrypt(e.material.Bytes(), s.masterKey)
		if err != nil {
			return err
		}
		rec.Seed = &SeedRecord{
			EncryptedSeed: ciphertext,
			Nonce:         nonce,
			SeedHash:      e.handle.SeedHash(),
			Network:       e.handle.Network(),
		}

	default:
		return keyError("import", e.handle, fmt.Errorf("%w: unexpected entry kind", ErrInvalidBackup))
	}

	return s.kms.store.Set(HandleKey(e.handle), rec)
}

// parseBackup decodes a plaintext backup image. Material is copied into
// Secrets; the caller wipes data.
func parseBackup(data []byte) ([]backupEntry, error) {
	if len(data) < len(BackupMagic)+4 || string(data[:len(BackupMagic)]) != BackupMagic {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidBackup)
	}
	r := data[len(BackupMagic):]
	count := binary.BigEndian.Uint32(r)
	r = r[4:]

	readField := func() ([]byte, error) {
		if len(r) < 2 {
			return nil, fmt.Errorf("%w: truncated", ErrInvalidBackup)
		}
		n := int(binary.BigEndian.Uint16(r))
		if len(r) < 2+n {
			return nil, fmt.Errorf("%w: truncated", ErrInvalidBackup)
		}
		field := r[2 : 2+n]
		r = r[2+n:]
		return field, nil
	}

	var entries []backupEntry
	for i := uint32(0); i < count; i++ {
		text, err := readField()
		if err != nil {
			return entries, err
		}
		handle, err := interfaces.ParseKeyHandle(string(text))
		if err != nil {
			return entries, fmt.Errorf("%w: entry %d: %v", ErrInvalidBackup, i, err)
		}

		raw, err := readField()
		if err != nil {
			return entries, err
		}
		material, err := secret.New(bytes.Clone(raw))
		if err != nil {
			return entries, fmt.Errorf("%w: entry %d: %v", ErrInvalidBackup, i, err)
		}
		entries = append(entries, backupEntry{handle: handle, material: material})
	}
	if len(r) != 0 {
		return entries, fmt.Errorf("%w: %d trailing bytes", ErrInvalidBackup, len(r))
	}
	return entries, nil
}
