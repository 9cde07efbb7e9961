package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/terraverify/terraverify/internal/validation"
	"github.com/terraverify/terraverify/pkg/client"
)

func createSubmitCmd() *cobra.Command {
	var file, start, end string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a plot for verification",
		Long: `Submit a land plot and monitoring period for vegetation verification.

The file holds either a GeoJSON Polygon (bare, as a Feature, or the first
Feature of a FeatureCollection) or a JSON object with coordinates, startDate
and endDate. --start and --end override dates from the file. Use - to read
from stdin.

Submitting the same plot and period again returns the existing record.

EXAMPLES:
  terraverify submit --file plot.geojson --start 2022-01-01 --end 2023-01-01
  cat request.json | terraverify submit --file -
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(commandContext(cmd), file, start, end, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "plot file (required)")
	cmd.Flags().StringVar(&start, "start", "", "monitoring period start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "monitoring period end (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func createGetCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			v, err := c.Get(commandContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("failed to get verification: %w", err)
			}
			if jsonOutput {
				return printJSON(v)
			}
			printVerification(os.Stdout, v)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func createListCmd() *cobra.Command {
	var limit int
	var cursor, claimStatus, verified string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List verifications",
		Long: `List verifications, newest first.

EXAMPLES:
  terraverify list
  terraverify list --verified true --claim-status unclaimed
  terraverify list --limit 50 --cursor <next-cursor>
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := client.ListOptions{Limit: limit, Cursor: cursor, ClaimStatus: claimStatus}
			if verified != "" {
				b, err := strconv.ParseBool(verified)
				if err != nil {
					return fmt.Errorf("--verified must be true or false")
				}
				opts.Verified = &b
			}

			c := client.New(getServer(), getAPIKey())
			resp, err := c.List(commandContext(cmd), opts)
			if err != nil {
				return fmt.Errorf("failed to list verifications: %w", err)
			}
			if jsonOutput {
				return printJSON(resp)
			}
			return printList(os.Stdout, resp)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of items to show")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	cmd.Flags().StringVar(&claimStatus, "claim-status", "", "filter by claim status (unclaimed, claim_pending, claimed)")
	cmd.Flags().StringVar(&verified, "verified", "", "filter by outcome (true, false)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createClaimCmd() *cobra.Command {
	var wallet string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim carbon credits to a wallet",
		Long: `Transfer the carbon credits of a verified plot to a wallet.

Credits can be claimed once. A claim that is already in progress, or that
could not be confirmed yet, can be retried later.

EXAMPLES:
  terraverify claim 0f4c2a9e-... --wallet 0x52908400098527886E0F7030069857D2E4169EE7
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClaim(commandContext(cmd), args[0], getWallet(wallet), jsonOutput)
		},
	}

	cmd.Flags().StringVar(&wallet, "wallet", "", "wallet address (default from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func createPlotCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "plot <id>",
		Short: "Download the vegetation plot image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlot(commandContext(cmd), args[0], output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: <plot_dir>/<id>.png)")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runSubmit(ctx context.Context, file, start, end string, jsonOutput bool) error {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("failed to read plot file: %w", err)
	}

	req, err := parsePlotFile(data)
	if err != nil {
		return err
	}
	if start != "" {
		req.StartDate = start
	}
	if end != "" {
		req.EndDate = end
	}
	if req.StartDate == "" || req.EndDate == "" {
		return errors.New("monitoring period required: set --start and --end")
	}

	c := client.New(getServer(), getAPIKey())
	res, err := c.Submit(ctx, *req)
	if err != nil {
		return fmt.Errorf("submission failed: %w", err)
	}

	if jsonOutput {
		return printJSON(res.Verification)
	}
	if res.Created {
		fmt.Println("Verification created")
	} else {
		fmt.Println("Plot and period already submitted, showing existing record")
	}
	fmt.Println()
	printVerification(os.Stdout, &res.Verification)
	return nil
}

// parsePlotFile accepts a submission body or GeoJSON and returns the
// request. Only the outer ring of a polygon is used.
func parsePlotFile(data []byte) (*client.SubmitRequest, error) {
	var doc struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
		Geometry    json.RawMessage `json:"geometry"`
		Features    []struct {
			Geometry json.RawMessage `json:"geometry"`
		} `json:"features"`
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("plot file is not valid JSON: %w", err)
	}

	req := &client.SubmitRequest{StartDate: doc.StartDate, EndDate: doc.EndDate}

	switch doc.Type {
	case "FeatureCollection":
		if len(doc.Features) == 0 {
			return nil, errors.New("feature collection has no features")
		}
		return geometryRequest(doc.Features[0].Geometry, req)
	case "Feature":
		return geometryRequest(doc.Geometry, req)
	case "Polygon":
		return polygonRequest(doc.Coordinates, req)
	case "":
		if err := json.Unmarshal(doc.Coordinates, &req.Coordinates); err != nil {
			return nil, fmt.Errorf("coordinates must be a list of [lon, lat] pairs: %w", err)
		}
		return req, nil
	default:
		return nil, fmt.Errorf("unsupported GeoJSON type %q", doc.Type)
	}
}

func geometryRequest(raw json.RawMessage, req *client.SubmitRequest) (*client.SubmitRequest, error) {
	var geom struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &geom); err != nil {
		return nil, fmt.Errorf("invalid geometry: %w", err)
	}
	if geom.Type != "Polygon" {
		return nil, fmt.Errorf("geometry must be a Polygon, got %q", geom.Type)
	}
	return polygonRequest(geom.Coordinates, req)
}

func polygonRequest(raw json.RawMessage, req *client.SubmitRequest) (*client.SubmitRequest, error) {
	var rings [][][]float64
	if err := json.Unmarshal(raw, &rings); err != nil {
		return nil, fmt.Errorf("invalid polygon coordinates: %w", err)
	}
	if len(rings) == 0 {
		return nil, errors.New("polygon has no rings")
	}
	req.Coordinates = rings[0]
	return req, nil
}

func runClaim(ctx context.Context, id, wallet string, jsonOutput bool) error {
	if wallet == "" {
		return errors.New("wallet required: pass --wallet or set wallet in terraverify.toml")
	}
	if err := validation.ValidateAddress(wallet); err != nil {
		return err
	}

	c := client.New(getServer(), getAPIKey())
	res, err := c.Claim(ctx, id, wallet)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case "NOTHING_TO_CLAIM":
				return fmt.Errorf("%s, see 'terraverify get %s'", apiErr.Message, id)
			case "CONSISTENCY_ERROR":
				return fmt.Errorf("transfer %s confirmed but not recorded, contact the operator", apiErr.TxHash)
			case "CLAIM_CONFLICT", "CLAIM_RETRIABLE":
				hint := "retry later"
				if apiErr.RetryAfter != "" {
					hint = fmt.Sprintf("retry in %ss", apiErr.RetryAfter)
				}
				return fmt.Errorf("%s, %s", apiErr.Message, hint)
			}
		}
		return fmt.Errorf("claim failed: %w", err)
	}

	if jsonOutput {
		return printJSON(res)
	}
	fmt.Printf("Claimed %.4f credits to %s\n", res.Amount, res.WalletAddress)
	fmt.Printf("   Transaction: %s\n", res.TxHash)
	if len(res.Attempts) > 1 {
		fmt.Printf("   Attempts:    %d\n", len(res.Attempts))
	}
	return nil
}

func runPlot(ctx context.Context, id, output string) error {
	if output == "" {
		dir := "."
		if config := loadProjectConfigSilent(); config != nil && config.PlotDir != "" {
			dir = config.PlotDir
		}
		output = filepath.Join(dir, id+".png")
	}

	c := client.New(getServer(), getAPIKey())
	data, err := c.Plot(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to download plot: %w", err)
	}

	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("writing plot: %w", err)
	}

	fmt.Printf("Saved plot to %s (%d bytes)\n", output, len(data))
	return nil
}

func printVerification(w io.Writer, v *client.Verification) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", v.ID)
	fmt.Fprintf(tw, "Period:\t%s to %s\n", v.StartDate, v.EndDate)
	fmt.Fprintf(tw, "Verified:\t%t\n", v.Verified)
	if v.Reason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", v.Reason)
	}
	if v.NDVIStart != nil && v.NDVIEnd != nil {
		fmt.Fprintf(tw, "NDVI:\t%.4f -> %.4f\n", *v.NDVIStart, *v.NDVIEnd)
	}
	if v.AreaHa != nil {
		fmt.Fprintf(tw, "Area:\t%.2f ha\n", *v.AreaHa)
	}
	if v.CarbonCredits != nil {
		fmt.Fprintf(tw, "Credits:\t%.4f\n", *v.CarbonCredits)
	}
	if v.ClaimStatus != "" {
		fmt.Fprintf(tw, "Claim:\t%s\n", v.ClaimStatus)
	}
	if v.ClaimTxHash != "" {
		fmt.Fprintf(tw, "Transaction:\t%s\n", v.ClaimTxHash)
	}
	if v.ClaimWallet != "" {
		fmt.Fprintf(tw, "Wallet:\t%s\n", truncateAddress(v.ClaimWallet))
	}
	fmt.Fprintf(tw, "Plot image:\t%t\n", v.HasPlot)
	tw.Flush()
}

func printList(w io.Writer, resp *client.ListResponse) error {
	if len(resp.Data) == 0 {
		fmt.Fprintln(w, "No verifications found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPERIOD\tVERIFIED\tCREDITS\tCLAIM\tCREATED")
	for _, v := range resp.Data {
		credits := "-"
		if v.CarbonCredits != nil {
			credits = strconv.FormatFloat(*v.CarbonCredits, 'f', 2, 64)
		}
		claim := v.ClaimStatus
		if claim == "" {
			claim = "-"
		}
		fmt.Fprintf(tw, "%s\t%s..%s\t%t\t%s\t%s\t%s\n",
			v.ID, v.StartDate, v.EndDate, v.Verified, credits, claim, v.CreatedAt.Format("2006-01-02 15:04"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if resp.Pagination.HasMore {
		fmt.Fprintf(w, "\nMore results: --cursor %s\n", resp.Pagination.NextCursor)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncateAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
