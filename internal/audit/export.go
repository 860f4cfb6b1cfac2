package audit

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// CSVHeader adalah urutan kolom ekspor audit.
var CSVHeader = []string{"ID", "User", "Tenant", "Action", "Entity Type", "Entity Name", "Timestamp", "Severity", "Status", "IP Address", "Description"}

const csvTimeLayout = "2006-01-02 15:04:05"

// WriteCSV menulis records sebagai CSV. Kolom teks bebas selalu dikutip dan
// tanda kutip di dalamnya digandakan.
func WriteCSV(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(strings.Join(CSVHeader, ",") + "\r\n"); err != nil {
		return err
	}
	for _, rec := range records {
		status := "Success"
		if !rec.IsSuccess {
			status = "Failed"
		}
		user := rec.UserEmail
		if user == "" {
			user = strconv.FormatInt(rec.UserID, 10)
		}
		fields := []string{
			strconv.FormatInt(rec.ID, 10),
			quote(user),
			strconv.FormatInt(rec.TenantID, 10),
			quote(rec.Action),
			quote(rec.EntityType),
			quote(rec.EntityName),
			rec.Timestamp.UTC().Format(csvTimeLayout),
			string(rec.Severity),
			status,
			quote(rec.IPAddress),
			quote(rec.Description),
		}
		if _, err := bw.WriteString(strings.Join(fields, ",") + "\r\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
