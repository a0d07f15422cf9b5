package compare

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
)

// Render formats a result as a plain-text view: the ranking table followed by
// each device's differences from the reference.
func Render(res *Result) string {
	var buf bytes.Buffer
	ref := ""
	if len(res.DeviceIDs) > 0 {
		ref = res.DeviceIDs[0]
	}
	fmt.Fprintf(&buf, "Comparison %s (%d devices, reference %s)\n\n", res.ID, len(res.DeviceIDs), ref)

	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tDEVICE\tNAME\tSCORE")
	for _, r := range res.Rankings {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", r.Rank, r.DeviceID, r.Name, r.Score)
	}
	tw.Flush()

	if len(res.Differences) == 0 {
		buf.WriteString("\nNo differences from the reference device.\n")
		return buf.String()
	}
	for _, d := range res.Differences {
		fmt.Fprintf(&buf, "\n%s vs %s\n", d.DeviceID, ref)
		keys := make([]string, 0, len(d.Fields))
		for k := range d.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "  FIELD\t%s\t%s\n", ref, d.DeviceID)
		for _, k := range keys {
			f := d.Fields[k]
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", k, show(f.Device1), show(f.Device2))
		}
		tw.Flush()
	}
	return buf.String()
}

func show(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case string:
		if val == "" {
			return `""`
		}
		return val
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
