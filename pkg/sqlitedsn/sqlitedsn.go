// Package sqlitedsn builds modernc.org/sqlite data source names for database
// files on disk.
package sqlitedsn

import (
	"net/url"
	"path/filepath"
)

// Open modes understood by SQLite URI filenames.
const (
	ModeReadOnly  = "ro"
	ModeReadWrite = "rw"
	ModeCreate    = "rwc"
)

// File returns a "file:" URI for path with the given open mode and pragmas
// such as "busy_timeout(5000)".
//
// The path is percent-encoded, so '?', '#' and '%' in directory or file names
// are part of the name and can never end the path or inject parameters.
func File(path, mode string, pragmas ...string) string {
	p := filepath.ToSlash(path)
	if filepath.VolumeName(path) != "" {
		// file:/C:/dir/vault.db
		p = "/" + p
	}

	q := url.Values{}
	q.Set("mode", mode)
	for _, pragma := range pragmas {
		q.Add("_pragma", pragma)
	}

	u := url.URL{Scheme: "file", OmitHost: true, Path: p, RawQuery: q.Encode()}
	return u.String()
}
