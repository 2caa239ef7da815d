// Package credentials obtains passphrases for encrypted storage volumes.
//
// Broker handles the interactive path: it asks the external prompt service
// to show a passphrase dialog and exposes a single-shot reply channel keyed
// by a fresh random id. Delivery is at most once; the transient channel is
// unregistered before the reply is acted on, and late duplicates are
// ignored.
//
// The non-interactive path is the CredentialSource implementations, tried
// before prompting the user: an encrypted file keystore (Keystore), a
// HashiCorp Vault KV store (VaultSource), an AWS Secrets Manager store
// (SecretsManagerSource), and Chain, which composes sources first-hit-wins.
package credentials
