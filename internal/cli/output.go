package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/plaenen/eventlane/pkg/projection"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeItems(w io.Writer, items []projection.ItemView) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "No items.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tDATA")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", item.ID, item.Version, item.Data)
	}
	return tw.Flush()
}
