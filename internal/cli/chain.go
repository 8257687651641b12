package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chainstream/internal/chain"
	"chainstream/internal/models"
	"chainstream/pkg/utils"
)

func newChainCmd(app *App) *cobra.Command {
	var expiryIndex int

	cmd := &cobra.Command{
		Use:   "chain [underlying]",
		Short: "Render the current 41-strike ladder for an underlying",
		Long: `Fetches the spot price, computes the ATM strike and prints the
ATM ±20 ladder with the option symbols that the engine would subscribe.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			underlying, err := app.resolveUnderlying(args)
			if err != nil {
				return err
			}

			dialer := app.dialer()
			client, ok := app.primaryClient(dialer)
			if !ok {
				return fmt.Errorf("no account configured for quote fetches")
			}
			ctx := cmd.Context()
			if client.AccessToken() == "" {
				if err := client.AutoLogin(ctx); err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
			}

			ltp, err := client.LastPrice(ctx, underlying.QuoteSymbol)
			if err != nil {
				return fmt.Errorf("fetching spot for %s: %w", underlying.Name, err)
			}
			expiries, err := client.Expiries(ctx, underlying)
			if err != nil {
				return fmt.Errorf("fetching expiries for %s: %w", underlying.Name, err)
			}
			if len(expiries) == 0 {
				return fmt.Errorf("no option expiries found for %s", underlying.Name)
			}
			if expiryIndex >= len(expiries) {
				expiryIndex = len(expiries) - 1
			}

			universe := chain.NewUniverse(underlying, expiries[expiryIndex], ltp)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"underlying": underlying.Name,
					"ltp":        ltp,
					"atm":        universe.ATM,
					"expiry":     universe.Expiry.Format("2006-01-02"),
					"symbols":    universe.Symbols(),
				})
			}

			output.Bold("%s  spot %.2f  ATM %s  expiry %s",
				underlying.Name, ltp, utils.FormatQuantity(int64(universe.ATM)),
				universe.Expiry.Format("02 Jan 2006"))
			output.Println()

			table := NewTable(output, "TAG", "STRIKE", "CALL", "PUT")
			for _, s := range universe.Strikes {
				ce := chain.OptionSymbol(underlying.BaseSymbol, universe.Expiry, s.Level, models.SideCall)
				pe := chain.OptionSymbol(underlying.BaseSymbol, universe.Expiry, s.Level, models.SidePut)
				tag := string(s.Tag)
				strike := fmt.Sprintf("%.0f", s.Level)
				if s.Tag == models.TagATM {
					table.AddRow(output.Cyan(tag), output.BoldText(strike), output.Cyan(ce), output.Cyan(pe))
				} else {
					table.AddRow(output.DimText(tag), strike, ce, pe)
				}
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&expiryIndex, "expiry", 0, "expiry offset (0 = nearest)")
	return cmd
}

// resolveUnderlying picks the named underlying from the configuration,
// defaulting to the first configured one.
func (a *App) resolveUnderlying(args []string) (models.Underlying, error) {
	underlyings := a.Config.Underlyings()
	if len(underlyings) == 0 {
		return models.Underlying{}, fmt.Errorf("no underlyings configured")
	}
	if len(args) == 0 {
		return underlyings[0], nil
	}
	name := strings.ToUpper(args[0])
	for _, u := range underlyings {
		if u.Name == name {
			return u, nil
		}
	}
	return models.Underlying{}, fmt.Errorf("unknown underlying %q", name)
}
