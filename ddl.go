package main

import (
	"fmt"
	"strings"
)

// generateCreateTable produces the Redshift CREATE TABLE statement for the
// columns of t under the given table name. Columns are nullable: the source
// constraint set is not carried over.
func generateCreateTable(schema, name string, t Table, ifNotExists bool) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if ifNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	fmt.Fprintf(&b, "%s (\n", qualified(schema, name))

	for i, col := range t.Columns {
		fmt.Fprintf(&b, "  %s %s", quoteIdent(col.TargetName), col.TargetType)
		if i < len(t.Columns)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}

	b.WriteString(")")
	return b.String()
}

// copyAuth is the authorization clause of a Redshift COPY.
type copyAuth struct {
	AccessKeyID     string
	SecretAccessKey string
	IAMRole         string
	Region          string
}

func copyAuthFromConfig(cfg S3Config) copyAuth {
	return copyAuth{
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		IAMRole:         cfg.IAMRole,
		Region:          cfg.Region,
	}
}

func (a copyAuth) clause() string {
	var b strings.Builder
	if a.IAMRole != "" {
		fmt.Fprintf(&b, "IAM_ROLE %s", quoteLiteral(a.IAMRole))
	} else {
		fmt.Fprintf(&b, "CREDENTIALS %s",
			quoteLiteral("aws_access_key_id="+a.AccessKeyID+";aws_secret_access_key="+a.SecretAccessKey))
	}
	if a.Region != "" {
		fmt.Fprintf(&b, " REGION %s", quoteLiteral(a.Region))
	}
	return b.String()
}

// copyStatement loads the staged object at url into the temp table of t. The
// column list follows the export projection order.
func copyStatement(schema string, t Table, url string, auth copyAuth) string {
	return fmt.Sprintf("COPY %s (%s) FROM %s %s GZIP TRUNCATECOLUMNS ESCAPE DELIMITER AS '%c'",
		qualified(schema, t.TempName),
		quotedColumnList(t.columnTargetNames()),
		quoteLiteral(url),
		auth.clause(),
		fieldDelimiter,
	)
}

// redactCopyStatement hides the secret key of a COPY statement for logging.
func redactCopyStatement(stmt string, auth copyAuth) string {
	if auth.SecretAccessKey == "" {
		return stmt
	}
	return strings.ReplaceAll(stmt, auth.SecretAccessKey, "<redacted>")
}
