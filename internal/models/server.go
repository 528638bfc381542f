// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

package models

// ServerKind identifies the type of a connected media server.
type ServerKind string

const (
	ServerKindPlex     ServerKind = "plex"
	ServerKindJellyfin ServerKind = "jellyfin"
	ServerKindEmby     ServerKind = "emby"
)

// Valid reports whether the server kind is one of the supported types.
func (k ServerKind) Valid() bool {
	switch k {
	case ServerKindPlex, ServerKindJellyfin, ServerKindEmby:
		return true
	}
	return false
}

// ConnectedServer is an operator-configured media server instance.
// The core treats it as read-only; it is created from configuration at startup.
type ConnectedServer struct {
	ID            string     `json:"id" koanf:"id"`
	Name          string     `json:"name" koanf:"name"`
	Kind          ServerKind `json:"kind" koanf:"kind"`
	BaseURL       string     `json:"base_url" koanf:"base_url"`
	CredentialRef string     `json:"credential_ref" koanf:"credential_ref"`
}

// GeoLocation contains geographic information resolved from an IP address.
type GeoLocation struct {
	IPAddress string  `json:"ip_address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country"`
}
