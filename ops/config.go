package ops

import (
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Version and BuildDate are stamped at link time.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// Must panics via log.Fatal if |err| is non-nil, attaching |extras| as
// alternating key/value log fields.
func Must(err error, msg string, extras ...interface{}) {
	if err == nil {
		return
	}
	var fields = log.Fields{"err": err}
	for i := 0; i+1 < len(extras); i += 2 {
		fields[extras[i].(string)] = extras[i+1]
	}
	log.WithFields(fields).Fatal(msg)
}

// ParseConfig loads a local .env (if present) so env-tagged flags observe
// it, layers in |iniFilename| (if present), and finally parses arguments.
func ParseConfig(parser *flags.Parser, iniFilename string) error {
	_ = godotenv.Load()

	if iniFilename != "" {
		if _, err := os.Stat(iniFilename); err == nil {
			if err = flags.NewIniParser(parser).ParseFile(iniFilename); err != nil {
				return err
			}
		}
	}
	_, err := parser.Parse()
	return err
}

// MustParseConfig is ParseConfig, exiting on error. A --help request exits
// zero after go-flags prints usage.
func MustParseConfig(parser *flags.Parser, iniFilename string) {
	var err = ParseConfig(parser, iniFilename)
	if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
		os.Exit(0)
	} else if err != nil {
		os.Exit(1)
	}
}
