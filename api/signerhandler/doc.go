// Package signerhandler serves an unlocked KMS session over HTTP and provides
// the matching client.
//
// Handler covers the signing contract (key listing, public keys, signing and
// derivation). RecoveryHandler restores an encrypted export from a backup
// backend once enough custodians have submitted shares of its backup key:
//
//  1. An operator starts recovery with the backup's content ID
//  2. The server fetches the encrypted export from the backend
//  3. Custodians submit their shares, each signed with their custodian key
//  4. At the threshold the backup key is recombined and the export imported
//
// Client implements interfaces.Signer, so remote signing can be swapped in
// wherever a local session is used.
package signerhandler
