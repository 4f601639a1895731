package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/expanse/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":3000")
//	-g string   admin gRPC bind address
//	-d string   PostgreSQL DSN
//	-s string   session secret key
//	-t int      session validity, hours
//	-w string   allowed users, comma separated
//	-x string   denied users, comma separated
//	-i int      refresh interval, minutes
//	-k int      backup interval, minutes
//	-b string   S3 bucket name
//	-e string   S3 base endpoint
//	-o string   export directory
//	-r string   backup key to restore at startup, or "latest"
//
// os.Args is first filtered with flagx.FilterArgs so -c/-config and any
// foreign flags do not break parsing.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-g", "-d", "-s", "-t", "-w", "-x", "-i", "-k", "-b", "-e", "-o", "-r"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run server")
	fs.StringVar(&config.EndpointAddrGRPC, "g", config.EndpointAddrGRPC, "address and port of the admin gRPC endpoint")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "session secret key")

	sessionValidity := fs.Int("t", int(config.SessionValidityDuration.Hours()), "session validity (in hours)")
	allowed := fs.String("w", strings.Join(config.AllowedUsers, ","), "allowed users")
	denied := fs.String("x", strings.Join(config.DeniedUsers, ","), "denied users")
	refreshInterval := fs.Int("i", int(config.RefreshInterval.Minutes()), "refresh interval (in minutes)")
	backupInterval := fs.Int("k", int(config.BackupInterval.Minutes()), "backup interval (in minutes)")

	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 backup bucket")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.ExportDir, "o", config.ExportDir, "export directory")
	fs.StringVar(&config.RestoreFrom, "r", config.RestoreFrom, "backup key to restore at startup")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	// Numeric flags are coarse, so they only apply when given explicitly and
	// do not truncate finer values loaded from env or JSON.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			config.SessionValidityDuration = time.Duration(*sessionValidity) * time.Hour
		case "w":
			config.AllowedUsers = splitList(*allowed)
		case "x":
			config.DeniedUsers = splitList(*denied)
		case "i":
			config.RefreshInterval = time.Duration(*refreshInterval) * time.Minute
		case "k":
			config.BackupInterval = time.Duration(*backupInterval) * time.Minute
		}
	})
}

// splitList accepts both "a,b" and "a, b".
func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
