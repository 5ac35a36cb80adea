package migrate

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"text/template"
)

//go:embed sql
var embedded embed.FS

// Migration sets shipped with the binary.
const (
	// SetPGMQ installs pgmq, creates both queues and the tracking table.
	SetPGMQ = "pgmq"
	// SetPostgresTracking creates only the tracking table on Postgres.
	SetPostgresTracking = "postgres"
	// SetMySQLTracking creates only the tracking table on MySQL.
	SetMySQLTracking = "mysql"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Vars are substituted into the migration templates.
type Vars struct {
	Queue         string
	DLQ           string
	TrackingTable string
}

func (v Vars) validate(set string) error {
	if !identifierPattern.MatchString(v.TrackingTable) {
		return fmt.Errorf("invalid tracking table name %q", v.TrackingTable)
	}
	if set != SetPGMQ {
		return nil
	}
	for _, name := range []string{v.Queue, v.DLQ} {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("invalid queue name %q", name)
		}
	}
	return nil
}

// Source returns the migration files of set and the dialect they target.
func Source(set string) (fs.FS, Dialect, error) {
	var dialect Dialect
	switch set {
	case SetPGMQ, SetPostgresTracking:
		dialect = DialectPostgres
	case SetMySQLTracking:
		dialect = DialectMySQL
	default:
		return nil, "", fmt.Errorf("unknown migration set %q", set)
	}
	sub, err := fs.Sub(embedded, "sql/"+set)
	if err != nil {
		return nil, "", err
	}
	return sub, dialect, nil
}

func render(name, body string, vars Vars) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse migration %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render migration %s: %w", name, err)
	}
	return buf.String(), nil
}
