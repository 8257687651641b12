package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"chainstream/internal/feed"
	"chainstream/internal/schedule"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show market state and the account failover hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			src, closeSrc, err := app.scheduleSource()
			if err != nil {
				return err
			}
			if closeSrc != nil {
				defer closeSrc()
			}
			gate := schedule.NewGate(src, app.location())

			now := time.Now()
			open := gate.IsOpenAt(now)
			nextOpen := gate.NextOpenAfter(now)
			hierarchy := feed.Hierarchy(app.accounts())

			if output.IsJSON() {
				type accountStatus struct {
					ID          string  `json:"id"`
					Broker      string  `json:"broker"`
					IsPrimary   bool    `json:"is_primary"`
					HealthScore float64 `json:"health_score"`
				}
				accounts := make([]accountStatus, 0, len(hierarchy))
				for _, a := range hierarchy {
					accounts = append(accounts, accountStatus{
						ID:          a.ID,
						Broker:      a.Broker,
						IsPrimary:   a.IsPrimary,
						HealthScore: a.HealthScore,
					})
				}
				return output.JSON(map[string]interface{}{
					"market_open": open,
					"next_open":   nextOpen,
					"hierarchy":   accounts,
				})
			}

			if open {
				output.Success("● Market OPEN")
			} else {
				output.Error("● Market CLOSED")
				if !nextOpen.IsZero() {
					output.Dim("  next open: %s", nextOpen.Format("Mon 02 Jan 15:04 MST"))
				}
			}
			output.Println()

			output.Bold("Failover Hierarchy")
			if len(hierarchy) == 0 {
				output.Dim("  (no active accounts configured)")
				return nil
			}
			table := NewTable(output, "#", "ACCOUNT", "BROKER", "ROLE", "HEALTH")
			for i, a := range hierarchy {
				role := "backup"
				if a.IsPrimary {
					role = "primary"
				}
				table.AddRow(
					output.DimText(fmt.Sprintf("%d", i+1)),
					a.ID,
					a.Broker,
					role,
					formatHealth(output, a.HealthScore),
				)
			}
			table.Render()
			return nil
		},
	}
}

func formatHealth(output *Output, score float64) string {
	text := fmt.Sprintf("%.1f", score)
	switch {
	case score >= 0.8:
		return output.Green(text)
	case score >= 0.5:
		return output.Yellow(text)
	default:
		return output.Red(text)
	}
}
