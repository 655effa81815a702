package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/jsherman999/livefeed/internal/config"
	"github.com/jsherman999/livefeed/internal/webhook"
)

type globals struct {
	cfgPath string
	server  string
}

func Main() {
	g := &globals{}

	root := &cobra.Command{
		Use:   "livefeed",
		Short: "Livefeed CLI",
	}
	root.PersistentFlags().StringVar(&g.cfgPath, "config", "", "config file (yaml)")
	root.PersistentFlags().StringVar(&g.server, "server", "", "server base URL (default: http://<api.listen>)")

	root.AddCommand(getCmd(g))
	root.AddCommand(putCmd(g))
	root.AddCommand(appendCmd(g))
	root.AddCommand(deleteCmd(g))
	root.AddCommand(watchCmd(g))
	root.AddCommand(subscribeCmd(g))
	root.AddCommand(unsubscribeCmd(g))
	root.AddCommand(exportCmd(g))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// baseURL resolves the server address from the flag or the config file.
func (g *globals) baseURL() (string, error) {
	if g.server != "" {
		return strings.TrimRight(g.server, "/"), nil
	}
	cfg, err := config.Load(g.cfgPath)
	if err != nil {
		return "", err
	}
	return "http://" + cfg.API.Listen, nil
}

func resourcePath(uri string) string {
	if !strings.HasPrefix(uri, "/") {
		return "/" + uri
	}
	return uri
}

func (g *globals) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	base, err := g.baseURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Trace(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "%s %s", method, path)
	}
	return resp, nil
}

func expect(resp *http.Response, codes ...int) error {
	for _, c := range codes {
		if resp.StatusCode == c {
			return nil
		}
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
}

func getCmd(g *globals) *cobra.Command {
	var etag, after string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "get <uri>",
		Short: "Fetch a resource, optionally long-polling for its next version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resourcePath(args[0])
			if cmd.Flags().Changed("after") {
				path += "?after=" + after
			}
			headers := map[string]string{}
			if etag != "" {
				headers["If-None-Match"] = etag
			}
			if wait > 0 {
				headers["Wait"] = strconv.Itoa(int(wait.Seconds()))
			}
			ctx, cancel := context.WithTimeout(context.Background(), wait+30*time.Second)
			defer cancel()

			resp, err := g.do(ctx, http.MethodGet, path, nil, headers)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if err := expect(resp, http.StatusOK, http.StatusNotModified); err != nil {
				return err
			}
			for _, h := range []string{"ETag", "Changes-Id", "Previous-Changes-Id"} {
				if v := resp.Header.Get(h); v != "" {
					fmt.Fprintf(os.Stderr, "%s: %s\n", h, v)
				}
			}
			if resp.StatusCode == http.StatusNotModified {
				fmt.Fprintln(os.Stderr, "not modified")
				return nil
			}
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	}
	cmd.Flags().StringVar(&etag, "etag", "", "ETag the caller already has (If-None-Match)")
	cmd.Flags().StringVar(&after, "after", "", "read the change log after this checkpoint")
	cmd.Flags().DurationVar(&wait, "wait", 0, "long-poll for up to this long")
	return cmd
}

// readInput returns --data, or the contents of --file ("-" for stdin).
func readInput(data, file string) ([]byte, error) {
	switch {
	case data != "":
		return []byte(data), nil
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, errors.New("one of --data or --file is required")
}

func putCmd(g *globals) *cobra.Command {
	var data, file, contentType string

	cmd := &cobra.Command{
		Use:   "put <uri>",
		Short: "Replace a resource's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(data, file)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			resp, err := g.do(ctx, http.MethodPut, resourcePath(args[0]), body, map[string]string{"Content-Type": contentType})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if err := expect(resp, http.StatusNoContent, http.StatusOK); err != nil {
				return err
			}
			fmt.Printf("etag=%s\n", resp.Header.Get("ETag"))
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "content")
	cmd.Flags().StringVar(&file, "file", "", "read content from file (- for stdin)")
	cmd.Flags().StringVar(&contentType, "type", "text/plain", "content type")
	return cmd
}

func appendCmd(g *globals) *cobra.Command {
	var data, file string

	cmd := &cobra.Command{
		Use:   "append <uri>",
		Short: "Append a change to a resource's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(data, file)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			resp, err := g.do(ctx, http.MethodPost, resourcePath(args[0]), body, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if err := expect(resp, http.StatusCreated); err != nil {
				return err
			}
			fmt.Printf("checkpoint=%s etag=%s\n", resp.Header.Get("Changes-Id"), resp.Header.Get("ETag"))
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "change payload")
	cmd.Flags().StringVar(&file, "file", "", "read payload from file (- for stdin)")
	return cmd
}

func deleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uri>",
		Short: "Delete a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			resp, err := g.do(ctx, http.MethodDelete, resourcePath(args[0]), nil, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return expect(resp, http.StatusNoContent)
		},
	}
}

func subscribeCmd(g *globals) *cobra.Command {
	var callback, mode string

	cmd := &cobra.Command{
		Use:   "subscribe <uri>",
		Short: "Register a callback URL for a resource's updates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"callback_url": callback})
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			path := resourcePath(args[0]) + "/subscriptions/?mode=" + mode
			resp, err := g.do(ctx, http.MethodPost, path, body, map[string]string{"Content-Type": "application/json"})
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if err := expect(resp, http.StatusCreated, http.StatusOK); err != nil {
				return err
			}
			fmt.Printf("location=%s\n", resp.Header.Get("Location"))
			return nil
		},
	}
	cmd.Flags().StringVar(&callback, "callback", "", "callback URL")
	cmd.Flags().StringVar(&mode, "mode", "value", "value|changes|hint")
	_ = cmd.MarkFlagRequired("callback")
	return cmd
}

func unsubscribeCmd(g *globals) *cobra.Command {
	var callback string

	cmd := &cobra.Command{
		Use:   "unsubscribe <uri>",
		Short: "Remove a callback subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			path := resourcePath(args[0]) + "/subscriptions/" + webhook.EncodeID(callback)
			resp, err := g.do(ctx, http.MethodDelete, path, nil, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return expect(resp, http.StatusNoContent)
		},
	}
	cmd.Flags().StringVar(&callback, "callback", "", "callback URL")
	_ = cmd.MarkFlagRequired("callback")
	return cmd
}
