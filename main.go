package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/buildhive/artifact-cache/cache"
	"github.com/buildhive/artifact-cache/cache/badgermeta"
	"github.com/buildhive/artifact-cache/cache/fsbulk"
	"github.com/buildhive/artifact-cache/cache/httpbulk"
	"github.com/buildhive/artifact-cache/cache/memcache"
	"github.com/buildhive/artifact-cache/cache/rediscache"
	"github.com/buildhive/artifact-cache/cache/s3bulk"
	"github.com/buildhive/artifact-cache/cas"
	"github.com/buildhive/artifact-cache/config"
	"github.com/buildhive/artifact-cache/ldap"
	"github.com/buildhive/artifact-cache/server"
	"github.com/buildhive/artifact-cache/taskq"
	"github.com/buildhive/artifact-cache/utils/flags"
	"github.com/buildhive/artifact-cache/utils/rlimit"
)

func main() {
	app := cli.NewApp()
	app.Name = "artifact-cache"
	app.Usage = "A content-addressed artifact store with namespaces, " +
		"deferred verification and retention based cleanup."
	app.HideVersion = true
	app.Flags = flags.GetCliFlags()
	app.Action = run

	cli.HelpPrinterCustom = flags.HelpPrinter
	app.CustomAppHelpTemplate = flags.Template

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	c, err := config.Get(cctx)
	if err != nil {
		return err
	}

	rlimit.Raise()

	meta, err := badgermeta.New(filepath.Join(c.Dir, "metadata"), c.ErrorLogger)
	if err != nil {
		return fmt.Errorf("Failed to open the metadata store: %w", err)
	}
	defer meta.Close()

	bulk, err := makeBulkStore(c)
	if err != nil {
		return err
	}

	rcache, err := makeReadCache(c)
	if err != nil {
		return err
	}

	baseURL, err := resolveBaseURL(c)
	if err != nil {
		return err
	}

	loopback := &http.Client{Timeout: c.VerifyDeadline + time.Minute}
	scheduler := taskq.New(baseURL, loopback, c.QueueWorkers, c.QueueDepth,
		c.AccessLogger, c.ErrorLogger)
	defer scheduler.Stop()

	engine := cas.New(meta, bulk, rcache, scheduler, c.RetentionDays,
		c.VerifyDeadline, c.AccessLogger, c.ErrorLogger)
	gateway := server.NewUploadGateway(bulk, baseURL, loopback, c.UploadTTL,
		c.AccessLogger, c.ErrorLogger)

	authn, err := makeAuthenticator(c)
	if err != nil {
		return err
	}

	router := server.NewRouter(engine, gateway, authn, c.AccessLogger, c.ErrorLogger)

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  c.HTTPReadTimeout,
		WriteTimeout: c.HTTPWriteTimeout,
	}

	ln, err := listen(c.HTTPAddress)
	if err != nil {
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		c.ErrorLogger.Printf("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	c.ErrorLogger.Printf("Starting artifact-cache on %s (base URL %s)",
		c.HTTPAddress, baseURL)
	err = srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func makeBulkStore(c *config.Config) (cache.BulkStore, error) {
	if c.S3CloudStorage != nil {
		return s3bulk.New(c.S3CloudStorage, c.AccessLogger, c.ErrorLogger)
	}
	if c.GoogleCloudStorage != nil {
		return httpbulk.NewGCS(c.GoogleCloudStorage.Bucket,
			c.GoogleCloudStorage.UseDefaultCredentials,
			c.GoogleCloudStorage.JSONCredentialsFile,
			c.AccessLogger, c.ErrorLogger)
	}
	if c.HTTPBulk != nil {
		u, err := url.Parse(c.HTTPBulk.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("Failed to parse http_bulk.url: %w", err)
		}
		return httpbulk.New(u, http.DefaultClient, "",
			c.AccessLogger, c.ErrorLogger), nil
	}
	return fsbulk.New(filepath.Join(c.Dir, "objects"),
		c.AccessLogger, c.ErrorLogger)
}

func makeReadCache(c *config.Config) (cache.ReadCache, error) {
	if c.Redis != nil {
		return rediscache.New(c.Redis.Address, c.Redis.Password, c.Redis.DB,
			c.Redis.TTL, c.ErrorLogger)
	}
	if c.ReadCacheSize > 0 {
		return memcache.New(int64(c.ReadCacheSize) << 20), nil
	}
	return nil, nil
}

func makeAuthenticator(c *config.Config) (server.Authenticator, error) {
	if c.HtpasswdFile != "" {
		return server.NewHtpasswdAuth("artifact-cache", c.HtpasswdFile), nil
	}
	if c.LDAP != nil {
		l, err := ldap.New(c.LDAP)
		if err != nil {
			return nil, fmt.Errorf("Failed to connect to the LDAP server: %w", err)
		}
		return server.NewCheckedAuth(l), nil
	}
	return server.AllowAll(), nil
}

// resolveBaseURL returns the URL under which this server reaches
// itself and hands out upload URLs. Without an explicit base_url it is
// derived from the listen address.
func resolveBaseURL(c *config.Config) (string, error) {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/"), nil
	}
	if strings.HasPrefix(c.HTTPAddress, "unix://") {
		return "", fmt.Errorf("The 'base_url' flag/key is required when listening on a Unix socket")
	}
	host, port, err := net.SplitHostPort(c.HTTPAddress)
	if err != nil {
		return "", err
	}
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func listen(address string) (net.Listener, error) {
	if strings.HasPrefix(address, "unix://") {
		return net.Listen("unix", address[len("unix://"):])
	}
	return net.Listen("tcp", address)
}
