/*
Package security encrypts credentials that the control plane keeps at rest.

GitHub access tokens are stored with every user so the provisioning
pipeline can clone private repositories on the user's behalf. When a
TOKEN_ENCRYPTION_KEY is configured the store seals them with
TokenCipher (AES-256-GCM, random nonce, key = SHA-256 of the passphrase)
before they reach disk:

	enc:v1:<base64(nonce || ciphertext || tag)>

Values without the enc:v1: prefix are read back unchanged, so enabling
encryption on an existing database needs no migration; each token is
sealed the next time its user logs in.
*/
package security
