package cmd

import (
	"bufio"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

// monitorCmd renders a live view of the gateway's counters from the
// admin scrape endpoint.
func monitorCmd() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Live counter view of a running gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "endpoint",
				Value: "http://127.0.0.1:8951/metrics",
				Usage: "Metrics scrape endpoint",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: 2 * time.Second,
				Usage: "Refresh interval",
			},
		},
		Action: func(c *cli.Context) error {
			if err := ui.Init(); err != nil {
				return fmt.Errorf("monitor: init terminal: %w", err)
			}
			defer ui.Close()

			table := widgets.NewTable()
			table.Title = " mail-auth-gateway counters "
			table.RowSeparator = false
			table.SetRect(0, 0, 100, 40)

			refresh := func() {
				rows, err := scrapeCounters(c.String("endpoint"))
				if err != nil {
					table.Rows = [][]string{{"error", err.Error()}}
				} else {
					table.Rows = rows
				}
				ui.Render(table)
			}
			refresh()

			ticker := time.NewTicker(c.Duration("interval"))
			defer ticker.Stop()
			events := ui.PollEvents()
			for {
				select {
				case e := <-events:
					if e.Type == ui.KeyboardEvent && (e.ID == "q" || e.ID == "<C-c>") {
						return nil
					}
				case <-ticker.C:
					refresh()
				}
			}
		},
	}
}

// scrapeCounters pulls the text exposition format and keeps the
// gateway's own series.
func scrapeCounters(endpoint string) ([][]string, error) {
	resp, err := http.Get(endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("monitor: scrape returned %s", resp.Status)
	}

	rows := [][]string{{"metric", "value"}}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "authmilter_") {
			continue
		}
		name, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		rows = append(rows, []string{name, value})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	data := rows[1:]
	sort.Slice(data, func(i, j int) bool { return data[i][0] < data[j][0] })
	return rows, nil
}
