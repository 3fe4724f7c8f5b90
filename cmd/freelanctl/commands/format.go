package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatPeers renders the peer list in the requested format.
func formatPeers(peers []peerView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatPeersJSON(peers)
	case formatTable:
		return formatPeersTable(peers), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatPeersTable(peers []peerView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT")

	for _, p := range peers {
		fmt.Fprintf(w, "%s\n", p.Endpoint)
	}

	_ = w.Flush()
	return buf.String()
}

func formatPeersJSON(peers []peerView) (string, error) {
	data, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal peers to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
