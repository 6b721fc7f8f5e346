package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/extension"
	"github.com/xkilldash9x/webext-auto/internal/observability"
)

// withPopup connects a short-lived popup context, runs fn and disconnects.
func withPopup(cmd *cobra.Command, fn func(ctx context.Context, popup *extension.Popup) error) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}

	ep := newEndpoint(cfg, schemas.ContextPopup, logger)
	popup, err := extension.NewPopup(ep, logger, nil)
	if err != nil {
		return err
	}
	p, err := connectPeer(ctx, cfg, ep, "", logger)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, popup)
}

func printTabs(w io.Writer, tabs []schemas.TabInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAB\tTARGET\tTITLE\tURL")
	for _, t := range tabs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.ID, t.TargetID, t.Title, t.URL)
	}
	_ = tw.Flush()
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		out[i] = f
	}
	return out, nil
}

func tabFlag(cmd *cobra.Command) int64 {
	tab, _ := cmd.Flags().GetInt64("tab")
	return tab
}

func addTabFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("tab", 0, "Tab to act on, as listed by `tabs`")
	_ = cmd.MarkFlagRequired("tab")
}

func newTabsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "Lists the tabs under extension control",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPopup(cmd, func(ctx context.Context, popup *extension.Popup) error {
				tabs, err := popup.Refresh(ctx)
				if err != nil {
					return err
				}
				printTabs(cmd.OutOrStdout(), tabs)
				return nil
			})
		},
	}
}

func newClickCmd() *cobra.Command {
	clickCmd := &cobra.Command{
		Use:   "click <x> <y>",
		Short: "Clicks a viewport point of a tab",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			xy, err := parseFloats(args)
			if err != nil {
				return err
			}
			return withPopup(cmd, func(ctx context.Context, popup *extension.Popup) error {
				return popup.Click(ctx, tabFlag(cmd), xy[0], xy[1])
			})
		},
	}
	addTabFlag(clickCmd)
	return clickCmd
}

func newScrollCmd() *cobra.Command {
	scrollCmd := &cobra.Command{
		Use:   "scroll <x> <y> <delta-y>",
		Short: "Wheels a tab with the pointer at a viewport point",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseFloats(args)
			if err != nil {
				return err
			}
			return withPopup(cmd, func(ctx context.Context, popup *extension.Popup) error {
				return popup.Scroll(ctx, tabFlag(cmd), v[0], v[1], v[2])
			})
		},
	}
	addTabFlag(scrollCmd)
	return scrollCmd
}

func newPressCmd() *cobra.Command {
	pressCmd := &cobra.Command{
		Use:   "press <key>",
		Short: "Presses a named key in a tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPopup(cmd, func(ctx context.Context, popup *extension.Popup) error {
				return popup.Press(ctx, tabFlag(cmd), args[0])
			})
		},
	}
	addTabFlag(pressCmd)
	return pressCmd
}

func newTypeCmd() *cobra.Command {
	typeCmd := &cobra.Command{
		Use:   "type <text>",
		Short: "Types text into the focused element of a tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPopup(cmd, func(ctx context.Context, popup *extension.Popup) error {
				return popup.Type(ctx, tabFlag(cmd), args[0])
			})
		},
	}
	addTabFlag(typeCmd)
	return typeCmd
}
