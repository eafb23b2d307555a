// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package drydock

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"
)

// Configuration contains all configuration values that are not specific to a
// certain driver.
type Configuration struct {
	DatabaseURL url.URL

	// GCGracePeriod is how long content must have been continuously observed
	// as dead before a sweep may physically delete it. Together with the sweep
	// interval, this bounds the staleness of GC: dead content lingers for at
	// least GCGracePeriod, and at most one sweep interval longer.
	GCGracePeriod time.Duration
	// AbandonedUploadThreshold is how long an open upload session may go
	// without an append before the janitor aborts it.
	AbandonedUploadThreshold time.Duration
	// DefaultPinTTL applies when a caller pins content without giving a TTL.
	DefaultPinTTL time.Duration
	// MaxPinTTL caps caller-supplied pin TTLs. Callers needing longer
	// guarantees must renew their pins.
	MaxPinTTL time.Duration
}

// GetDatabaseURLFromEnvironment constructs the libpq connection URL
// from the DRYDOCK_DB_* environment variables.
func GetDatabaseURLFromEnvironment() (dbURL url.URL, dbName string) {
	dbName = osext.GetenvOrDefault("DRYDOCK_DB_NAME", "drydock")
	return must.Return(easypg.URLFrom(easypg.URLParts{
		HostName:          osext.GetenvOrDefault("DRYDOCK_DB_HOSTNAME", "localhost"),
		Port:              osext.GetenvOrDefault("DRYDOCK_DB_PORT", "5432"),
		UserName:          osext.GetenvOrDefault("DRYDOCK_DB_USERNAME", "postgres"),
		Password:          os.Getenv("DRYDOCK_DB_PASSWORD"),
		ConnectionOptions: os.Getenv("DRYDOCK_DB_CONNECTION_OPTIONS"),
		DatabaseName:      dbName,
	})), dbName
}

// ParseConfiguration obtains a Configuration instance from the
// process environment.
func ParseConfiguration() Configuration {
	dbURL, _ := GetDatabaseURLFromEnvironment()
	return Configuration{
		DatabaseURL:              dbURL,
		GCGracePeriod:            getenvDuration("DRYDOCK_GC_GRACE_PERIOD", 30*time.Minute),
		AbandonedUploadThreshold: getenvDuration("DRYDOCK_ABANDONED_UPLOAD_THRESHOLD", 24*time.Hour),
		DefaultPinTTL:            getenvDuration("DRYDOCK_DEFAULT_PIN_TTL", 1*time.Hour),
		MaxPinTTL:                getenvDuration("DRYDOCK_MAX_PIN_TTL", 24*time.Hour),
	}
}

func getenvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		panic(fmt.Sprintf("malformed %s: %s", key, err.Error()))
	}
	return d
}
