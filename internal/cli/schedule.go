package cli

import (
	"time"

	"github.com/spf13/cobra"

	"chainstream/internal/schedule"
	"chainstream/pkg/utils"
)

func newScheduleCmd(app *App) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the trading session windows for a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			src, closeSrc, err := app.scheduleSource()
			if err != nil {
				return err
			}
			if closeSrc != nil {
				defer closeSrc()
			}

			loc := app.location()
			day := time.Now().In(loc)
			if date != "" {
				day, err = time.ParseInLocation("2006-01-02", date, loc)
				if err != nil {
					return err
				}
			}

			special, _ := src.SpecialWindows(day)
			holiday, _ := src.IsHoliday(day)
			windows := special
			if len(windows) == 0 && !holiday {
				windows, err = src.Windows(day.Weekday())
				if err != nil {
					return err
				}
			}

			if output.IsJSON() {
				type windowJSON struct {
					Kind  string `json:"kind"`
					Open  string `json:"open"`
					Close string `json:"close"`
				}
				out := make([]windowJSON, 0, len(windows))
				for _, w := range windows {
					out = append(out, windowJSON{
						Kind:  string(w.Kind),
						Open:  utils.FormatMinute(w.Open),
						Close: utils.FormatMinute(w.Close),
					})
				}
				return output.JSON(map[string]interface{}{
					"date":    day.Format("2006-01-02"),
					"holiday": holiday,
					"special": len(special) > 0,
					"windows": out,
				})
			}

			output.Bold("%s (%s)", day.Format("Monday, 02 Jan 2006"), loc)
			switch {
			case len(special) > 0:
				output.Warning("Special trading session")
			case holiday:
				output.Error("Market holiday — no sessions")
				return nil
			case len(windows) == 0:
				output.Dim("No sessions")
				return nil
			}

			table := NewTable(output, "SESSION", "OPEN", "CLOSE")
			for _, w := range windows {
				kind := string(w.Kind)
				if w.Kind == schedule.WindowRegular {
					kind = output.Green(kind)
				} else {
					kind = output.DimText(kind)
				}
				table.AddRow(kind, utils.FormatMinute(w.Open), utils.FormatMinute(w.Close))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "date to show (YYYY-MM-DD, default today)")
	return cmd
}
