package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coder/pgcryptofields/buildinfo"
	"github.com/coder/serpent"
)

// version prints the pgcrypto version
func (*RootCmd) version() *serpent.Command {
	handleHuman := func(inv *serpent.Invocation) error {
		var str strings.Builder
		_, _ = str.WriteString("pgcrypto " + buildinfo.Version())
		if buildTime, valid := buildinfo.Time(); valid {
			_, _ = str.WriteString(" " + buildTime.Format(time.UnixDate))
		}
		_, _ = str.WriteString("\r\n" + buildinfo.ExternalURL() + "\r\n")
		_, _ = fmt.Fprint(inv.Stdout, str.String())
		return nil
	}

	handleJSON := func(inv *serpent.Invocation) error {
		buildTime, _ := buildinfo.Time()
		versionInfo := struct {
			Version     string `json:"version"`
			BuildTime   string `json:"build_time"`
			ExternalURL string `json:"external_url"`
		}{
			Version:     buildinfo.Version(),
			BuildTime:   buildTime.Format(time.UnixDate),
			ExternalURL: buildinfo.ExternalURL(),
		}

		enc := json.NewEncoder(inv.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(versionInfo)
	}

	var outputJSON bool

	return &serpent.Command{
		Use:   "version",
		Short: "Show pgcrypto version",
		Options: serpent.OptionSet{
			{
				Flag:        "json",
				Description: "Emit version information in machine-readable JSON format.",
				Value:       serpent.BoolOf(&outputJSON),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			if outputJSON {
				return handleJSON(inv)
			}
			return handleHuman(inv)
		},
	}
}
