package domain

import "time"

// Instance is a known server. Authoritative instances are the ones this
// process is the source of truth for.
type Instance struct {
	Domain          string
	IsAuthoritative bool
	IsPrimary       bool
	Blocked         bool
	Allowlisted     bool
	Reason          string
	Protocol        Protocol
	Software        string
	CreatedAt       time.Time
}

// InstanceActor is this server's own signing identity for one algorithm.
// It is created once and never regenerated.
type InstanceActor struct {
	Algorithm     Algorithm
	PrivateKeyPEM string
	PublicKeyPEM  string
	CreatedAt     time.Time
}

const InstanceActorUsername = "instance.actor"

func InstanceActorURI(domain string) string {
	return "https://" + domain + "/actor"
}

func InstanceActorKeyID(domain string) string {
	return InstanceActorURI(domain) + "#main-key"
}

func LocalActorURI(domain, username string) string {
	return "https://" + domain + "/users/" + username
}

func LocalActorKeyID(domain, username string) string {
	return LocalActorURI(domain, username) + "#main-key"
}
