package gcp

import (
	"strings"

	"google.golang.org/api/option"

	"github.com/yungbote/leadsync-backend/internal/pkg/envutil"
)

// ClientOptionsFromEnv reads service account credentials shared by the
// Sheets and Storage clients. GOOGLE_APPLICATION_CREDENTIALS_JSON holds the
// key inline; GOOGLE_APPLICATION_CREDENTIALS may hold a path or inline JSON.
// With neither set the clients fall back to application default credentials.
func ClientOptionsFromEnv() []option.ClientOption {
	creds := envutil.String("GOOGLE_APPLICATION_CREDENTIALS_JSON", "")
	if creds == "" {
		creds = envutil.String("GOOGLE_APPLICATION_CREDENTIALS", "")
	}
	opts := []option.ClientOption{}
	if creds == "" {
		return opts
	}
	if strings.HasPrefix(creds, "{") {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	} else {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return opts
}
