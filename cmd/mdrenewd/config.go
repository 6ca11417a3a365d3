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

package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	md "github.com/mkauf/mod-md"
	"github.com/mkauf/mod-md/acme"
	"github.com/mkauf/mod-md/renew"
)

// config is the daemon's YAML configuration file.
type config struct {
	StoreBase      string        `yaml:"store_base"`
	CAURL          string        `yaml:"ca_url"`
	Contacts       []string      `yaml:"contacts"`
	TOSAccepted    bool          `yaml:"tos_accepted"`
	RenewalWindow  string        `yaml:"renewal_window"`
	ChallengeTypes []string      `yaml:"challenge_types"`
	KeySpec        string        `yaml:"key_spec"`
	MonitorTimeout time.Duration `yaml:"monitor_timeout"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	PoolSize       int           `yaml:"pool_size"`
	EABKeyID       string        `yaml:"eab_keyid"`
	EABHMAC        string        `yaml:"eab_hmac"`

	HTTPChallengeListen string `yaml:"http_challenge_listen"`
	StatusListen        string `yaml:"status_listen"`

	ManagedDomains []domainConfig `yaml:"managed_domains"`

	renewWindow md.RenewWindow
	eab         *acme.EAB
}

// domainConfig defines one MD; unset fields inherit the daemon-wide
// defaults.
type domainConfig struct {
	Name           string   `yaml:"name"`
	Domains        []string `yaml:"domains"`
	CAURL          string   `yaml:"ca_url"`
	Contacts       []string `yaml:"contacts"`
	RenewalWindow  string   `yaml:"renewal_window"`
	ChallengeTypes []string `yaml:"challenge_types"`
	KeySpec        string   `yaml:"key_spec"`
	RequireHTTPS   string   `yaml:"require_https"`
}

// loadConfig reads and validates the configuration file.
func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &config{
		CAURL: "https://acme-v02.api.letsencrypt.org/directory",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.StoreBase == "" {
		return nil, fmt.Errorf("store_base is required")
	}
	if len(cfg.ManagedDomains) == 0 {
		return nil, fmt.Errorf("no managed_domains configured")
	}

	cfg.renewWindow, err = md.ParseRenewWindow(cfg.RenewalWindow)
	if err != nil {
		return nil, err
	}
	if err := md.KeySpec(cfg.KeySpec).Validate(); err != nil {
		return nil, err
	}

	if cfg.EABKeyID != "" {
		hmacKey, err := base64.RawURLEncoding.DecodeString(cfg.EABHMAC)
		if err != nil {
			return nil, fmt.Errorf("eab_hmac is not base64url: %v", err)
		}
		cfg.eab = &acme.EAB{KeyID: cfg.EABKeyID, HMAC: hmacKey}
	}
	return cfg, nil
}

func (cfg *config) checkInterval() time.Duration {
	if cfg.CheckInterval > 0 {
		return cfg.CheckInterval
	}
	return renew.DefaultCheckInterval
}

func (cfg *config) supervisorConfig() renew.Config {
	return renew.Config{
		CAURL:          cfg.CAURL,
		Contacts:       cfg.Contacts,
		TOSAccepted:    cfg.TOSAccepted,
		RenewWindow:    cfg.renewWindow,
		ChallengeTypes: cfg.ChallengeTypes,
		KeySpec:        md.KeySpec(cfg.KeySpec),
		MonitorTimeout: cfg.MonitorTimeout,
		EAB:            cfg.eab,
		PoolSize:       cfg.PoolSize,
	}
}

func (cfg *config) managedDomains() []*md.MD {
	mds := make([]*md.MD, 0, len(cfg.ManagedDomains))
	for _, dc := range cfg.ManagedDomains {
		m := &md.MD{
			Name:           dc.Name,
			Domains:        dc.Domains,
			CAURL:          dc.CAURL,
			Contacts:       dc.Contacts,
			ChallengeTypes: dc.ChallengeTypes,
			KeySpec:        md.KeySpec(dc.KeySpec),
			RequireHTTPS:   dc.RequireHTTPS,
			State:          md.StateIncomplete,
			DefnName:       dc.Name,
		}
		if m.Name == "" && len(m.Domains) > 0 {
			m.Name = m.Domains[0]
		}
		if dc.RenewalWindow != "" {
			if rw, err := md.ParseRenewWindow(dc.RenewalWindow); err == nil {
				m.RenewWindow = rw
			}
		}
		mds = append(mds, m)
	}
	return mds
}
