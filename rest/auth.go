// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"crypto/sha256"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/gdamore/watchdog"
)

const (
	tokenIssuer = "watchdog"
	tokenTTL    = time.Minute
)

var hkdfInfo = []byte("watchdog control channel v1")

// Authenticator signs and verifies request tokens.  Both sides derive the
// signing key from the shared secret, so the secret itself never crosses
// the wire.
type Authenticator struct {
	key []byte
	ttl time.Duration
}

// NewAuthenticator derives a key from secret.  An empty secret is a
// configuration error: the manager refuses to run unauthenticated.
func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, &watchdog.ConfigError{Err: errors.New("no watchdog secret configured")}
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo)
	if _, e := io.ReadFull(r, key); e != nil {
		return nil, errors.Wrap(e, "derive key")
	}
	return &Authenticator{key: key, ttl: tokenTTL}, nil
}

// Sign issues a token for the request with the given id and type.
func (a *Authenticator) Sign(id string, typ string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        id,
		Subject:   typ,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, e := token.SignedString(a.key)
	if e != nil {
		return "", errors.Wrap(e, "sign token")
	}
	return s, nil
}

// Verify checks that token was signed with our key, has not expired, and
// was issued for exactly this request.  Every failure is reported as
// watchdog.ErrAuthentication.
func (a *Authenticator) Verify(token string, id string, typ string) error {
	if token == "" {
		return errors.Wrap(watchdog.ErrAuthentication, "missing token")
	}
	claims := &jwt.RegisteredClaims{}
	_, e := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(typ),
		jwt.WithLeeway(5*time.Second),
	)
	if e != nil {
		return errors.Wrap(watchdog.ErrAuthentication, e.Error())
	}
	if claims.ID != id {
		return errors.Wrap(watchdog.ErrAuthentication, "token issued for another request")
	}
	return nil
}
