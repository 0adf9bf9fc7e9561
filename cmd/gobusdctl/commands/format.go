package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"google.golang.org/protobuf/types/known/structpb"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatPeers renders the ListPeers payload in the requested format.
func formatPeers(payload *structpb.Struct, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatStructJSON(payload)
	case formatTable:
		return formatPeersTable(payload), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatNames renders the ListNames payload in the requested format.
func formatNames(payload *structpb.Struct, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatStructJSON(payload)
	case formatTable:
		return formatNamesTable(payload), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatStats renders the GetStats payload in the requested format.
func formatStats(payload *structpb.Struct, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatStructJSON(payload)
	case formatTable:
		return formatStatsTable(payload), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatPeersTable(payload *structpb.Struct) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUNIQUE-NAME\tUID\tPID\tSTATE\tMATCHES\tOWNED-NAMES")

	for _, v := range payload.GetFields()["peers"].GetListValue().GetValues() {
		p := v.GetStructValue().GetFields()

		owned := make([]string, 0)
		for _, n := range p["owned_names"].GetListValue().GetValues() {
			owned = append(owned, n.GetStringValue())
		}
		ownedCol := "-"
		if len(owned) > 0 {
			ownedCol = strings.Join(owned, ",")
		}

		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%d\t%s\n",
			int64(p["id"].GetNumberValue()),
			p["unique_name"].GetStringValue(),
			int64(p["uid"].GetNumberValue()),
			int64(p["pid"].GetNumberValue()),
			p["state"].GetStringValue(),
			int64(p["match_rules"].GetNumberValue()),
			ownedCol,
		)
	}

	_ = w.Flush()
	return buf.String()
}

func formatNamesTable(payload *structpb.Struct) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tOWNER\tQUEUE")

	for _, v := range payload.GetFields()["names"].GetListValue().GetValues() {
		n := v.GetStructValue().GetFields()
		fmt.Fprintf(w, "%s\t%s\t%d\n",
			n["name"].GetStringValue(),
			n["owner"].GetStringValue(),
			int64(n["queue_len"].GetNumberValue()),
		)
	}

	_ = w.Flush()
	return buf.String()
}

func formatStatsTable(payload *structpb.Struct) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	keys := make([]string, 0, len(payload.GetFields()))
	for k := range payload.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := payload.GetFields()[k]
		switch v.GetKind().(type) {
		case *structpb.Value_NumberValue:
			fmt.Fprintf(w, "%s\t%d\n", k, int64(v.GetNumberValue()))
		default:
			fmt.Fprintf(w, "%s\t%s\n", k, v.GetStringValue())
		}
	}

	_ = w.Flush()
	return buf.String()
}

// --- JSON formatter ---

func formatStructJSON(payload *structpb.Struct) (string, error) {
	out, err := json.MarshalIndent(payload.AsMap(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(out) + "\n", nil
}
