package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JingOS-team/storaged/common"
	"github.com/JingOS-team/storaged/credentials"
	"github.com/JingOS-team/storaged/devicedir"
	"github.com/JingOS-team/storaged/httpserver"
	"github.com/JingOS-team/storaged/interfaces"
	"github.com/JingOS-team/storaged/storageaccess"
	"github.com/JingOS-team/storaged/udisks"

	"github.com/godbus/dbus/v5"
	"github.com/urfave/cli/v2"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the control API",
	},
	&cli.StringFlag{
		Name:  "backend",
		Value: "udisks",
		Usage: "device backend: 'udisks' (system D-Bus) or 'memory' (host mount probe)",
	},
	&cli.StringFlag{
		Name:  "caller-app",
		Value: "storaged",
		Usage: "application id passed to the passphrase dialog service",
	},
	&cli.BoolFlag{
		Name:  "remember-passphrases",
		Value: false,
		Usage: "store interactively entered passphrases in the configured source",
	},
	&cli.StringFlag{
		Name:  "keystore-file",
		Value: "",
		Usage: "path of the encrypted passphrase keystore (enables the keystore source)",
	},
	&cli.StringFlag{
		Name:  "keystore-secret-file",
		Value: "",
		Usage: "file holding the keystore sealing secret (required with keystore-file)",
	},
	&cli.StringFlag{
		Name:  "vault-addr",
		Value: "",
		Usage: "Vault server address (enables the Vault passphrase source)",
	},
	&cli.StringFlag{
		Name:  "vault-token",
		Value: "",
		Usage: "Vault token; VAULT_TOKEN is used when empty",
	},
	&cli.StringFlag{
		Name:  "vault-mount",
		Value: "secret",
		Usage: "Vault KV v2 mount path",
	},
	&cli.StringFlag{
		Name:  "vault-path",
		Value: "storaged",
		Usage: "path prefix inside the Vault mount",
	},
	&cli.StringFlag{
		Name:  "aws-secrets-region",
		Value: "",
		Usage: "AWS region (enables the Secrets Manager passphrase source)",
	},
	&cli.StringFlag{
		Name:  "aws-secrets-prefix",
		Value: "storaged",
		Usage: "name prefix for Secrets Manager secrets",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:    "storaged",
		Usage:   "storage volume setup/teardown daemon",
		Version: common.Version,
		Flags:   flags,
		Action:  runDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runDaemon(cCtx *cli.Context) error {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cCtx.Bool("log-json"),
		Service: "storaged",
		Version: common.Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		directory interfaces.DeviceDirectory
		gateway   interfaces.Gateway
		prompter  interfaces.Prompter
	)

	switch backend := cCtx.String("backend"); backend {
	case "udisks":
		sysConn, err := dbus.ConnectSystemBus()
		if err != nil {
			return fmt.Errorf("connecting to system bus: %w", err)
		}
		defer sysConn.Close()

		dir, err := udisks.NewDirectory(sysConn, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := dir.Run(ctx); err != nil {
				logger.Error("directory signal loop failed", "err", err)
			}
		}()
		directory = dir
		gateway = udisks.NewGateway(sysConn, logger)

		sessConn, err := dbus.ConnectSessionBus()
		if err != nil {
			logger.Warn("no session bus, passphrase prompting disabled", "err", err)
		} else {
			defer sessConn.Close()
			prompter = udisks.NewPrompter(sessConn, logger)
		}

	case "memory":
		dir, err := devicedir.Probe(ctx, logger)
		if err != nil {
			return err
		}
		directory = dir
		gateway = devicedir.NewSimGateway(dir, logger)

	default:
		return fmt.Errorf("unknown backend %q", backend)
	}

	passphrases, err := buildPassphraseSources(cCtx, logger)
	if err != nil {
		return err
	}

	broker := credentials.NewBroker(prompter, cCtx.String("caller-app"), logger)
	manager := storageaccess.NewManager(storageaccess.ManagerConfig{
		Directory:           directory,
		Gateway:             gateway,
		Broker:              broker,
		Passphrases:         passphrases,
		RememberPassphrases: cCtx.Bool("remember-passphrases"),
		CallerApp:           cCtx.String("caller-app"),
		Log:                 logger,
	})

	managerDone := make(chan error, 1)
	go func() { managerDone <- manager.Run(ctx) }()

	srv := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String("listen-addr"),
		EnablePprof:              cCtx.Bool("pprof"),
		Log:                      logger,
		DrainDuration:            time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             0, // the event stream is long-lived
	}, httpserver.NewHandler(manager, logger))
	srv.RunInBackground()

	select {
	case <-ctx.Done():
	case err := <-managerDone:
		if err != nil {
			logger.Error("manager stopped", "err", err)
		}
	}

	srv.Shutdown()
	return nil
}

// buildPassphraseSources assembles the configured stored-passphrase chain,
// or nil when none is configured.
func buildPassphraseSources(cCtx *cli.Context, logger *slog.Logger) (interfaces.CredentialSource, error) {
	var sources []interfaces.CredentialSource

	if path := cCtx.String("keystore-file"); path != "" {
		secretFile := cCtx.String("keystore-secret-file")
		if secretFile == "" {
			return nil, errors.New("keystore-file requires keystore-secret-file")
		}
		secret, err := os.ReadFile(secretFile)
		if err != nil {
			return nil, fmt.Errorf("reading keystore secret: %w", err)
		}
		ks, err := credentials.NewKeystore(path, secret)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ks)
	}

	if addr := cCtx.String("vault-addr"); addr != "" {
		vs, err := credentials.NewVaultSource(addr, cCtx.String("vault-token"),
			cCtx.String("vault-mount"), cCtx.String("vault-path"), logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, vs)
	}

	if region := cCtx.String("aws-secrets-region"); region != "" {
		sm, err := credentials.NewSecretsManagerSource(region, cCtx.String("aws-secrets-prefix"), logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, sm)
	}

	switch len(sources) {
	case 0:
		return nil, nil
	case 1:
		return sources[0], nil
	default:
		return credentials.NewChain(logger, sources...), nil
	}
}
