package tables

import (
	"context"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/osquery-go/watchdog/pkg/procquery"
)

// RegisterProcesses registers the "processes" table: one row per
// running pid, using the same counters is_child_sane reads (user
// time, system time, resident size, parent pid, image path). Rows are
// produced only when Generate is called for "processes"; this package
// does not serve the table over any interface.
func RegisterProcesses(ctx context.Context, query procquery.ProcessQuery) error {
	Register(&Table{
		Name:    "processes",
		Columns: []string{"pid", "parent", "path", "user_time", "system_time", "resident_size"},
		Generate: func(ctx context.Context) ([]Row, error) {
			pids, err := process.PidsWithContext(ctx)
			if err != nil {
				return nil, err
			}

			rows := make([]Row, 0, len(pids))
			for _, pid := range pids {
				row, err := query.Query(ctx, int(pid))
				if err != nil {
					continue
				}
				rows = append(rows, Row{
					"pid":           strconv.Itoa(int(pid)),
					"parent":        strconv.FormatInt(row.ParentPid, 10),
					"path":          row.ImagePath,
					"user_time":     strconv.FormatUint(row.UserTime, 10),
					"system_time":   strconv.FormatUint(row.SystemTime, 10),
					"resident_size": strconv.FormatUint(row.ResidentSizeBytes, 10),
				})
			}
			return rows, nil
		},
	})
	return nil
}
