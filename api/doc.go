/*
Package api holds the HTTP wire types and server configuration shared by the
signer service and its clients.

The handlers live in subpackages:

  - signerhandler - signing, key listing, derivation and backup recovery over HTTP

Key handles travel in their canonical text form, for example

	DerivationSeed(seed_hash=99..99, network=Testnet)

and binary values (digests, signatures, public keys, shares) as hex strings.
Errors are returned as ErrorResponse bodies with a status code derived from
the underlying KMS error.
*/
package api
