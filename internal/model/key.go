package model

import "time"

type (
	// User is the public identity of an account. PublicKey is a base64
	// SPKI RSA key; WrappedPrivateKey is the password-protected PKCS#8 blob
	// that only the owning client can open.
	User struct {
		ID                string    `json:"id"`
		Name              string    `json:"name"`
		PublicKey         string    `json:"publicKey"`
		WrappedPrivateKey string    `json:"wrappedPrivateKey,omitempty"`
		CreatedAt         time.Time `json:"createdAt"`
	}

	PublicKey struct {
		UserID    string `json:"userId"`
		Name      string `json:"name"`
		PublicKey string `json:"publicKey"`
	}
)

func (u *User) Public() PublicKey {
	return PublicKey{UserID: u.ID, Name: u.Name, PublicKey: u.PublicKey}
}
