package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.bug.st/serial"

	"esplink/internal/app"
	"esplink/internal/bus"
	"esplink/internal/config"
	"esplink/internal/device"
	"esplink/internal/logging"
	"esplink/internal/protocol"
	"esplink/internal/transport"
)

const (
	// Grace on top of the configured connect window before the console
	// gives up waiting for the handshake to complete.
	connectGrace = 3 * time.Second
	// How long to keep listening for command replies when no explicit
	// listen duration was given.
	defaultCommandWait = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("run esplink console", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file path (default: user config dir)")
	listPorts := flag.Bool("list-ports", false, "list serial ports and exit")
	port := flag.String("port", "", "serial port, e.g. /dev/ttyUSB0 or COM3")
	baud := flag.Int("baud", 0, "serial baud rate")
	tcpHost := flag.String("tcp", "", "connect through a serial bridge at this host instead of a local port")
	tcpPort := flag.Int("tcp-port", 0, "serial bridge tcp port")
	saveConfig := flag.Bool("save-config", false, "persist the connection settings for next runs")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")

	listFiles := flag.Bool("list-files", false, "request the device file listing")
	getConfig := flag.Bool("get-config", false, "request the device configuration")
	getSerial := flag.Bool("get-serial", false, "request the board serial number")
	getTime := flag.Bool("get-time", false, "request the device clock readings")
	syncTime := flag.Bool("sync-time", false, "push the host wall clock to the device RTC")
	download := flag.String("download", "", "download a file from the device")
	out := flag.String("out", "", "destination path for -download (default: file name in cwd)")
	upload := flag.String("upload", "", "upload a local file to the device")
	deleteFile := flag.String("delete", "", "delete a file on the device")
	clearFile := flag.String("clear", "", "clear a data file on the device")
	raw := flag.String("raw", "", "send one raw text line")
	listenFor := flag.Duration("listen-for", 0, "keep listening for this long, e.g. 30s (default: until interrupt)")
	flag.Parse()

	if *listPorts {
		return printPorts()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := app.ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	cfgPath := paths.ConfigFile
	if strings.TrimSpace(*configPath) != "" {
		cfgPath = *configPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyConnectionFlags(&cfg.Connection, *port, *baud, *tcpHost, *tcpPort)
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("connection settings: %w (use -port or -tcp, or -list-ports)", err)
	}
	if *saveConfig {
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("console")
	logger.Info("starting esplink console", "version", app.BuildVersionWithDate())

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	store := device.NewStateStore()
	store.Start(ctx, b)

	opts := cfg.Protocol.Options()
	client := protocol.NewClient(b, logMgr.Logger("protocol"), opts)

	stateSub := b.Subscribe(device.TopicConnState)
	downloadSub := b.Subscribe(device.TopicDownload)
	defer b.Unsubscribe(stateSub, device.TopicConnState)
	defer b.Unsubscribe(downloadSub, device.TopicDownload)

	watch(ctx, b, logger)

	tr := buildTransport(cfg.Connection)
	logger.Info("connecting", "endpoint", tr.Name())
	if err := client.Connect(ctx, tr); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	waitTimeout := opts.ConnectTimeout + opts.SettleDelay + connectGrace
	if err := waitForConnected(ctx, stateSub, waitTimeout); err != nil {
		return err
	}
	logger.Info("device connected", "port", client.CurrentPort())

	issued := issueCommands(client, commandFlags{
		listFiles:  *listFiles,
		getConfig:  *getConfig,
		getSerial:  *getSerial,
		getTime:    *getTime,
		syncTime:   *syncTime,
		deleteFile: *deleteFile,
		clearFile:  *clearFile,
		upload:     *upload,
		raw:        *raw,
	}, logger)

	if *download != "" {
		dest := *out
		if dest == "" {
			dest = filepath.Base(*download)
		}
		client.DownloadFile(dest, *download)
		if err := waitForDownload(ctx, downloadSub, dest, defaultCommandWait); err != nil {
			return err
		}
		issued = true
	}

	switch {
	case *listenFor > 0:
		logger.Info("listen mode", "duration", *listenFor)
		select {
		case <-ctx.Done():
		case <-time.After(*listenFor):
		}
	case issued:
		// Give fire-and-forget commands a window for their replies.
		select {
		case <-ctx.Done():
		case <-time.After(defaultCommandWait):
		}
	default:
		logger.Info("listening until interrupt")
		<-ctx.Done()
	}

	logSnapshot(logger, store)

	return nil
}

type commandFlags struct {
	listFiles  bool
	getConfig  bool
	getSerial  bool
	getTime    bool
	syncTime   bool
	deleteFile string
	clearFile  string
	upload     string
	raw        string
}

func applyConnectionFlags(conn *config.ConnectionConfig, port string, baud int, tcpHost string, tcpPort int) {
	if strings.TrimSpace(tcpHost) != "" {
		conn.Transport = config.TransportTCP
		conn.Host = strings.TrimSpace(tcpHost)
	}
	if tcpPort > 0 {
		conn.TCPPort = tcpPort
	}
	if strings.TrimSpace(port) != "" {
		conn.Transport = config.TransportSerial
		conn.SerialPort = strings.TrimSpace(port)
	}
	if baud > 0 {
		conn.SerialBaud = baud
	}
}

func buildTransport(conn config.ConnectionConfig) transport.Transport {
	if conn.Transport == config.TransportTCP {
		return transport.NewTCPTransport(conn.Host, conn.TCPPort)
	}

	return transport.NewSerialTransport(conn.SerialPort, conn.SerialBaud)
}

func printPorts() error {
	ports, err := serial.GetPortsList()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")

		return nil
	}
	sort.Strings(ports)
	for _, name := range ports {
		fmt.Println(name)
	}

	return nil
}

func issueCommands(client *protocol.Client, cmds commandFlags, logger *slog.Logger) bool {
	issued := false
	if cmds.listFiles {
		client.ListFiles()
		issued = true
	}
	if cmds.getConfig {
		client.RequestConfig()
		issued = true
	}
	if cmds.getSerial {
		client.RequestBoardSerial()
		issued = true
	}
	if cmds.getTime {
		client.RequestTime()
		issued = true
	}
	if cmds.syncTime {
		now := time.Now().Format(protocol.SyncTimeLayout)
		logger.Info("syncing device clock", "time", now)
		client.SyncTime(now)
		issued = true
	}
	if cmds.deleteFile != "" {
		client.DeleteFile(cmds.deleteFile)
		issued = true
	}
	if cmds.clearFile != "" {
		client.ClearDataFile(cmds.clearFile)
		issued = true
	}
	if cmds.upload != "" {
		data, err := os.ReadFile(cmds.upload)
		if err != nil {
			logger.Error("read upload file", "path", cmds.upload, "error", err)
		} else {
			client.UploadFile(filepath.Base(cmds.upload), data)
			issued = true
		}
	}
	if cmds.raw != "" {
		client.SendRaw(cmds.raw)
		issued = true
	}

	return issued
}

func waitForConnected(ctx context.Context, sub bus.Subscription, timeout time.Duration) error {
	timeoutCh := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return fmt.Errorf("device did not complete the handshake within %s", timeout)
		case raw, ok := <-sub:
			if !ok {
				return errors.New("state stream closed while waiting for handshake")
			}
			change, ok := raw.(device.StateChange)
			if !ok {
				continue
			}
			switch change.State {
			case device.StateConnected:
				return nil
			case device.StateDisconnected:
				return errors.New("connection failed before handshake completed")
			}
		}
	}
}

func waitForDownload(ctx context.Context, sub bus.Subscription, token string, timeout time.Duration) error {
	timeoutCh := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return fmt.Errorf("download did not complete within %s", timeout)
		case raw, ok := <-sub:
			if !ok {
				return errors.New("download stream closed")
			}
			dl, ok := raw.(device.Download)
			if !ok || dl.Token != token {
				continue
			}
			if err := os.WriteFile(dl.Token, dl.Data, 0o600); err != nil {
				return fmt.Errorf("save download: %w", err)
			}
			slog.Info("saved download", "path", dl.Token, "bytes", len(dl.Data))

			return nil
		}
	}
}

// watch mirrors the event stream into the log. Raw serial traffic goes to
// stdout so the console doubles as a line monitor; everything else is logged.
func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	statusSub := b.Subscribe(device.TopicStatus)
	errorSub := b.Subscribe(device.TopicError)
	opSub := b.Subscribe(device.TopicOperation)
	serialSub := b.Subscribe(device.TopicSerial)
	fileSub := b.Subscribe(device.TopicFileList)
	configSub := b.Subscribe(device.TopicConfig)
	timeSub := b.Subscribe(device.TopicTime)
	rawSub := b.Subscribe(device.TopicRawLog)

	go func() {
		// Closed channels mean the bus shut down; stop without touching it.
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(statusSub, device.TopicStatus)
				b.Unsubscribe(errorSub, device.TopicError)
				b.Unsubscribe(opSub, device.TopicOperation)
				b.Unsubscribe(serialSub, device.TopicSerial)
				b.Unsubscribe(fileSub, device.TopicFileList)
				b.Unsubscribe(configSub, device.TopicConfig)
				b.Unsubscribe(timeSub, device.TopicTime)
				b.Unsubscribe(rawSub, device.TopicRawLog)

				return
			case raw, ok := <-statusSub:
				if !ok {
					return
				}
				if status, ok := raw.(device.StatusMessage); ok {
					logger.Info("status", "text", status.Text)
				}
			case raw, ok := <-errorSub:
				if !ok {
					return
				}
				if devErr, ok := raw.(device.DeviceError); ok {
					logger.Warn("device error", "command", devErr.Command, "message", devErr.Message)
				}
			case raw, ok := <-opSub:
				if !ok {
					return
				}
				if op, ok := raw.(device.Operation); ok {
					logger.Info("operation ok", "command", op.Command)
				}
			case raw, ok := <-serialSub:
				if !ok {
					return
				}
				if sn, ok := raw.(device.SerialNumber); ok {
					logger.Info("board serial", "serial", sn.Value)
				}
			case raw, ok := <-fileSub:
				if !ok {
					return
				}
				if list, ok := raw.(device.FileList); ok {
					logFileList(logger, list)
				}
			case raw, ok := <-configSub:
				if !ok {
					return
				}
				if cfg, ok := raw.(device.Config); ok {
					logger.Info("device config",
						"machine", cfg.MachineName,
						"board_serial", cfg.BoardSerial,
						"updated", cfg.LastUpdated,
						"drivers", len(cfg.Drivers),
						"jobs", len(cfg.Jobs),
					)
				}
			case raw, ok := <-timeSub:
				if !ok {
					return
				}
				if info, ok := raw.(device.TimeInfo); ok {
					logger.Info("device time",
						"rtc", info.RTCTime,
						"esp", info.ESPTime,
						"local", info.LocalTime,
						"rtc_available", info.RTCAvailable,
					)
				}
			case raw, ok := <-rawSub:
				if !ok {
					return
				}
				if line, ok := raw.(device.RawLog); ok {
					fmt.Println(strings.TrimRight(line.Text, "\r\n"))
				}
			}
		}
	}()
}

func logFileList(logger *slog.Logger, list device.FileList) {
	logger.Info("file list", "count", len(list.Entries))
	for _, entry := range list.Entries {
		logger.Info("file entry",
			"name", entry.Name,
			"kind", entry.Kind.String(),
			"size", entry.SizeBytes,
			"parent", entry.ParentPath,
		)
	}
}

func logSnapshot(logger *slog.Logger, store *device.StateStore) {
	logger.Info("session snapshot", "files", len(store.Files()), "board_serial", store.BoardSerial())
	if cfg, ok := store.Config(); ok {
		logger.Info("snapshot config", "machine", cfg.MachineName, "drivers", len(cfg.Drivers), "jobs", len(cfg.Jobs))
	}
	if info, ok := store.TimeInfo(); ok {
		logger.Info("snapshot time", "rtc", info.RTCTime, "esp", info.ESPTime)
	}
}
