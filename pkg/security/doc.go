// Package security handles the on-disk mTLS material both Symphony
// binaries present on the Connect stream: one keypair and the shared root
// CA, loaded and chain-verified at startup. Certificate issuance is an
// external concern; this package only consumes a populated material
// directory.
package security
