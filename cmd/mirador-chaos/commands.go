package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-chaos/internal/api"
	"github.com/miradorstack/mirador-chaos/internal/chaos"
	"github.com/miradorstack/mirador-chaos/internal/config"
	"github.com/miradorstack/mirador-chaos/internal/fixit"
)

func runRecipes(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	catalogue, err := chaos.LoadCatalogue(cfg.Chaos.RecipesPath)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFLAG\tKIND\tDEFAULT\tWEIGHT\tDESCRIPTION")
	for _, r := range catalogue.List() {
		kind := fmt.Sprintf("%g/step max %g", r.PerIntensity, r.Max)
		if r.Toggle {
			kind = "toggle"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%s\n", r.Name, r.Flag, kind, r.DefaultDuration, r.Weight, r.Description)
	}
	return w.Flush()
}

func runRules(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	table, err := fixit.LoadRules(cfg.FixIt.RulesPath)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONFIDENCE\tFIXES\tROOT CAUSE")
	for _, r := range table.Rules() {
		actions := make([]string, 0, len(r.Fixes))
		for _, f := range r.Fixes {
			actions = append(actions, f.Action)
		}
		fmt.Fprintf(w, "%s\t%.2f\t%s\t%s\n", r.ID, r.Confidence, strings.Join(actions, ","), r.RootCause)
	}
	return w.Flush()
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runCtl(cmd *cobra.Command, args []string) error {
	address := target
	if address == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		address = cfg.Server.Address
		if strings.HasPrefix(address, ":") {
			address = "localhost" + address
		}
	}

	var body string
	if len(args) > 1 {
		body = args[1]
	}
	in, err := api.FromJSON(body)
	if err != nil {
		return fmt.Errorf("request body: %w", err)
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	out, err := api.NewControlClient(conn).Call(ctx, args[0], in)
	if err != nil {
		return err
	}
	rendered, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(rendered))
	return nil
}

func runMethods(cmd *cobra.Command, _ []string) {
	for _, m := range api.Methods() {
		fmt.Fprintln(cmd.OutOrStdout(), m)
	}
}
