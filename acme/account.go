// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package acme

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	md "github.com/mkauf/mod-md"
	"github.com/mkauf/mod-md/store"
)

// Account artifacts in the ACCOUNTS store group.
const (
	accountJSON = "account.json"
	accountKey  = "acct.pem"
)

// Account is a registered ACME account: its URL at the CA, contact
// set, status, and a stable local id the store keys it by. The key
// lives next to it as acct.pem and is loaded on demand.
type Account struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	CAURL     string   `json:"ca_url"`
	Contacts  []string `json:"contact,omitempty"`
	Status    string   `json:"status,omitempty"`
	AgreedTOS string   `json:"agreed_tos,omitempty"`
	EABKeyID  string   `json:"eab_keyid,omitempty"`

	key crypto.Signer
}

// Key returns the account's private key.
func (a *Account) Key() crypto.Signer { return a.key }

// EAB is external-account-binding material issued by the CA.
type EAB struct {
	KeyID string
	HMAC  []byte
}

// AccountManager selects, registers, and maintains ACME accounts in
// the ACCOUNTS store group. One account serves every MD whose CA URL
// and contact set match.
type AccountManager struct {
	Store  store.Store
	Logger *zap.Logger

	// ClientFor builds a transport for a directory URL and key; tests
	// override it. When nil, NewClient of this package is used.
	ClientFor func(directoryURL string, key crypto.Signer) *Client
}

func (am *AccountManager) logger() *zap.Logger {
	if am.Logger == nil {
		return zap.NewNop()
	}
	return am.Logger
}

func (am *AccountManager) clientFor(caURL string, key crypto.Signer) *Client {
	if am.ClientFor != nil {
		return am.ClientFor(caURL, key)
	}
	return NewClient(caURL, key, am.logger())
}

// wireAccount is the RFC 8555 account object.
type wireAccount struct {
	Status                 string          `json:"status,omitempty"`
	Contact                []string        `json:"contact,omitempty"`
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed,omitempty"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
	OnlyReturnExisting     bool            `json:"onlyReturnExisting,omitempty"`
}

// SelectOrCreate finds a stored valid account matching caURL and the
// contact set, or registers a new one. tosAccepted must be true for
// registration to proceed when the CA has terms of service.
func (am *AccountManager) SelectOrCreate(ctx context.Context, caURL string, contacts []string, tosAccepted bool, eab *EAB) (*Account, error) {
	acct, err := am.find(caURL, contacts)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		return acct, nil
	}
	return am.create(ctx, caURL, contacts, tosAccepted, eab)
}

// find enumerates stored accounts for a usable match.
func (am *AccountManager) find(caURL string, contacts []string) (*Account, error) {
	var found *Account
	err := am.Store.Iterate(store.Accounts, "*", func(id string) error {
		if found != nil {
			return nil
		}
		acct, err := am.Load(id)
		if err != nil {
			if store.IsNotExist(err) {
				return nil
			}
			am.logger().Warn("skipping unreadable account",
				zap.String("id", id), zap.Error(err))
			return nil
		}
		if acct.CAURL == caURL && acct.Status == StatusValid && sameContacts(acct.Contacts, contacts) {
			found = acct
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// create registers a fresh account at the CA and persists it.
func (am *AccountManager) create(ctx context.Context, caURL string, contacts []string, tosAccepted bool, eab *EAB) (*Account, error) {
	key, err := GenerateKey(md.DefaultKeySpec)
	if err != nil {
		return nil, err
	}
	client := am.clientFor(caURL, key)

	dir, err := client.Directory(ctx)
	if err != nil {
		return nil, err
	}
	if dir.Meta.TermsOfService != "" && !tosAccepted {
		return nil, md.Errorf(md.KindFatal, "setup account",
			"CA requires agreement to terms of service at %s", dir.Meta.TermsOfService)
	}

	req := wireAccount{
		Contact:              contacts,
		TermsOfServiceAgreed: tosAccepted,
	}
	if eab != nil {
		binding, err := signEAB(key, eab.KeyID, eab.HMAC, dir.NewAccount)
		if err != nil {
			return nil, fmt.Errorf("signing external account binding: %v", err)
		}
		req.ExternalAccountBinding = binding
	}

	var wire wireAccount
	res, err := client.PostJSON(ctx, dir.NewAccount, req, &wire)
	if err != nil {
		return nil, err
	}
	if res.Location == "" {
		return nil, md.Errorf(md.KindTransient, "setup account", "newAccount response without Location")
	}

	acct := &Account{
		ID:        uuid.New().String(),
		URL:       res.Location,
		CAURL:     caURL,
		Contacts:  contacts,
		Status:    wire.Status,
		AgreedTOS: dir.Meta.TermsOfService,
		key:       key,
	}
	if acct.Status == "" {
		acct.Status = StatusValid
	}
	if eab != nil {
		acct.EABKeyID = eab.KeyID
	}
	if err := am.save(acct); err != nil {
		return nil, err
	}
	am.logger().Info("registered new account",
		zap.String("id", acct.ID),
		zap.String("url", acct.URL),
		zap.String("ca", caURL))
	return acct, nil
}

// Load reads one account and its key from the store.
func (am *AccountManager) Load(id string) (*Account, error) {
	acct, err := store.LoadJSON(am.Store, store.Accounts, id, accountJSON, func(b []byte) (*Account, error) {
		a := new(Account)
		return a, json.Unmarshal(b, a)
	})
	if err != nil {
		return nil, err
	}
	keyPEM, err := am.Store.Load(store.Accounts, id, accountKey)
	if err != nil {
		return nil, err
	}
	acct.key, err = ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s key: %v", store.ErrCorrupt, id, err)
	}
	return acct, nil
}

// save persists the account and its key.
func (am *AccountManager) save(acct *Account) error {
	keyPEM, err := EncodePrivateKeyPEM(acct.key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	if err := am.Store.Save(store.Accounts, acct.ID, accountKey, keyPEM, false); err != nil {
		return err
	}
	return am.Store.Save(store.Accounts, acct.ID, accountJSON, data, false)
}

// Invalidate marks a stored account unusable, so the next selection
// registers a new one. Used when the CA 404s the account URL or
// reports it deactivated.
func (am *AccountManager) Invalidate(acct *Account) error {
	acct.Status = StatusDeactivated
	return am.save(acct)
}

// UpdateContacts posts a contact change to the CA and persists it.
func (am *AccountManager) UpdateContacts(ctx context.Context, acct *Account, contacts []string) error {
	client := am.clientFor(acct.CAURL, acct.key)
	client.KID = acct.URL

	var wire wireAccount
	if _, err := client.PostJSON(ctx, acct.URL, wireAccount{Contact: contacts}, &wire); err != nil {
		return err
	}
	acct.Contacts = contacts
	return am.save(acct)
}

// Deactivate retires the account at the CA and marks it locally.
func (am *AccountManager) Deactivate(ctx context.Context, acct *Account) error {
	client := am.clientFor(acct.CAURL, acct.key)
	client.KID = acct.URL

	if _, err := client.PostJSON(ctx, acct.URL, wireAccount{Status: StatusDeactivated}, nil); err != nil {
		return err
	}
	acct.Status = StatusDeactivated
	return am.save(acct)
}

// Refresh re-reads the account from the CA. A 404 or deactivated
// status invalidates the stored copy and reports BadAccount.
func (am *AccountManager) Refresh(ctx context.Context, acct *Account) error {
	client := am.clientFor(acct.CAURL, acct.key)
	client.KID = acct.URL

	var wire wireAccount
	_, err := client.PostAsGet(ctx, acct.URL, &wire)
	if err != nil {
		var e *md.Error
		if errors.As(err, &e) && (e.Kind == md.KindBadAccount || problemStatus(e) == http.StatusNotFound) {
			am.Invalidate(acct)
			return md.NewError(md.KindBadAccount, "setup account", err)
		}
		return err
	}
	if wire.Status != "" && wire.Status != StatusValid {
		am.Invalidate(acct)
		return md.Errorf(md.KindBadAccount, "setup account", "account %s is %s", acct.URL, wire.Status)
	}
	return nil
}

func problemStatus(e *md.Error) int {
	var p *Problem
	if errors.As(e.Err, &p) {
		return p.Status
	}
	return 0
}

// sameContacts compares contact sets ignoring order.
func sameContacts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if !strings.EqualFold(as[i], bs[i]) {
			return false
		}
	}
	return true
}
