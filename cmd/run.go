package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webext-auto/api/schemas"
	"github.com/xkilldash9x/webext-auto/internal/browser/dom"
	"github.com/xkilldash9x/webext-auto/internal/browser/session"
	"github.com/xkilldash9x/webext-auto/internal/config"
	"github.com/xkilldash9x/webext-auto/internal/extension"
	"github.com/xkilldash9x/webext-auto/internal/observability"
	"github.com/xkilldash9x/webext-auto/internal/transport"
)

// newRunCmd creates the `run` command, which runs one peer context.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run <content|web|popup>",
		Short: "Runs a content, web or popup context against the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			role, err := extension.ParseRole(args[0])
			if err != nil {
				return err
			}
			target, _ := cmd.Flags().GetString("target")

			switch role {
			case extension.RoleContent:
				clicks, _ := cmd.Flags().GetStringArray("click")
				return runContent(ctx, cmd, cfg, target, clicks, logger)
			case extension.RoleWeb:
				send, _ := cmd.Flags().GetString("send")
				payload, _ := cmd.Flags().GetString("payload")
				return runWeb(ctx, cmd, cfg, target, send, payload, logger)
			case extension.RolePopup:
				return runPopup(ctx, cmd, cfg, logger)
			default:
				return fmt.Errorf("the %s context is run by `serve`", role)
			}
		},
	}

	runCmd.Flags().String("target", "", "Browser target id of the tab the context lives in. (content, web)")
	runCmd.Flags().String("debugger-url", "", "DevTools endpoint of the browser. (Overrides config/env)")
	runCmd.Flags().String("extension-id", "", "Extension id presented by a web context. (Overrides config/env)")
	runCmd.Flags().StringArray("click", nil, "XPath of an element to click once connected; repeatable. (content)")
	runCmd.Flags().String("send", "", "Message type to send to the tab's content context. (web)")
	runCmd.Flags().String("payload", "null", "JSON payload of --send. (web)")
	return runCmd
}

// runContent mirrors the tab's document, then either clicks the requested
// elements and exits or serves until interrupted.
func runContent(ctx context.Context, cmd *cobra.Command, cfg config.Interface, target string, clicks []string, logger *zap.Logger) error {
	if target == "" {
		return fmt.Errorf("a content context needs --target")
	}
	exec := session.NewCDPExecutor(cfg.Browser(), logger)
	mirror := dom.NewCDPMirror(exec, target, logger)
	if err := mirror.Start(ctx); err != nil {
		return err
	}
	defer mirror.Close()

	assigned := make(chan int64, 1)
	ep := newEndpoint(cfg, schemas.ContextContent, logger)
	content, err := extension.NewContent(ep, mirror, cfg.Content(), logger, extension.WithHooks(extension.Hooks{
		OnTabID: func(tab int64) {
			select {
			case assigned <- tab:
			default:
			}
		},
		OnUpdate: func(info schemas.TabInfo) {
			logger.Info("Tab updated.", zap.String("url", info.URL), zap.String("title", info.Title))
			go func() {
				if err := mirror.Reload(ctx); err != nil {
					logger.Warn("Could not reload the mirror.", zap.Error(err))
				}
			}()
		},
		OnClose: func() { logger.Info("Popup closed.") },
		OnOpen:  func() { logger.Info("Popup opened.") },
	}))
	if err != nil {
		return err
	}

	p, err := connectPeer(ctx, cfg, ep, target, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	tab, ok := waitTab(ctx, ep, assigned)
	if !ok {
		return nil
	}
	cmd.Printf("content context up in tab %d\n", tab)

	if len(clicks) == 0 {
		return p.Wait(ctx)
	}
	for _, expr := range clicks {
		if err := content.ClickXPath(ctx, expr); err != nil {
			return err
		}
		cmd.Printf("clicked %s\n", expr)
	}
	return nil
}

// runWeb connects a page script context and optionally sends one message to
// the content context of its tab.
func runWeb(ctx context.Context, cmd *cobra.Command, cfg config.Interface, target, send, payload string, logger *zap.Logger) error {
	if target == "" {
		return fmt.Errorf("a web context needs --target")
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("--payload is not valid JSON")
	}

	assigned := make(chan int64, 1)
	ep := newEndpoint(cfg, schemas.ContextWeb, logger)
	web, err := extension.NewWeb(ep, logger, extension.Hooks{OnTabID: func(tab int64) {
		select {
		case assigned <- tab:
		default:
		}
	}})
	if err != nil {
		return err
	}
	p, err := connectPeer(ctx, cfg, ep, target, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	if _, ok := waitTab(ctx, ep, assigned); !ok {
		return nil
	}
	if send == "" {
		return p.Wait(ctx)
	}
	result, err := web.ToContent(ctx, send, json.RawMessage(payload))
	if err != nil {
		return err
	}
	cmd.Println(string(result))
	return nil
}

// runPopup prints every tab list the background pushes until interrupted.
func runPopup(ctx context.Context, cmd *cobra.Command, cfg config.Interface, logger *zap.Logger) error {
	ep := newEndpoint(cfg, schemas.ContextPopup, logger)
	_, err := extension.NewPopup(ep, logger, func(tabs []schemas.TabInfo) {
		printTabs(cmd.OutOrStdout(), tabs)
	})
	if err != nil {
		return err
	}
	p, err := connectPeer(ctx, cfg, ep, "", logger)
	if err != nil {
		return err
	}
	defer p.Close()
	return p.Wait(ctx)
}

// waitTab returns the tab the relay placed ep in. The message transport
// learns it during the handshake, the port transport from the tabid notice.
func waitTab(ctx context.Context, ep *transport.Endpoint, assigned <-chan int64) (int64, bool) {
	if tab, ok := ep.Tab(); ok {
		return tab, true
	}
	select {
	case tab := <-assigned:
		return tab, true
	case <-ctx.Done():
		return 0, false
	}
}
