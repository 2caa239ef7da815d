package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/JingOS-team/storaged/interfaces"
	"github.com/JingOS-team/storaged/storageaccess"
	"github.com/urfave/cli/v2"
)

var flagServerAddr *cli.StringFlag = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8090",
	Usage: "storaged address to request",
}

const usage string = "command line client for storaged"

func main() {
	app := &cli.App{
		Name:  "storagectl",
		Usage: usage,
		Flags: []cli.Flag{
			flagServerAddr,
		},
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "list",
				Usage: "list known devices and their accessibility",
				Action: func(cCtx *cli.Context) error {
					return NewClient(cCtx).List()
				},
			},
			&cli.Command{
				Name:      "setup",
				Usage:     "request that a device be made accessible",
				ArgsUsage: "<device>",
				Action: func(cCtx *cli.Context) error {
					return NewClient(cCtx).Request("setup", cCtx.Args().First())
				},
			},
			&cli.Command{
				Name:      "teardown",
				Usage:     "request that a device be made inaccessible",
				ArgsUsage: "<device>",
				Action: func(cCtx *cli.Context) error {
					return NewClient(cCtx).Request("teardown", cCtx.Args().First())
				},
			},
			&cli.Command{
				Name:  "watch",
				Usage: "stream device events until interrupted",
				Action: func(cCtx *cli.Context) error {
					return NewClient(cCtx).Watch()
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Client struct {
	ServerAddr string
	HTTP       *http.Client
}

func NewClient(cCtx *cli.Context) *Client {
	return &Client{
		ServerAddr: cCtx.String(flagServerAddr.Name),
		HTTP:       http.DefaultClient,
	}
}

func (c *Client) List() error {
	resp, err := c.HTTP.Get(c.ServerAddr + "/api/devices")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}

	var listing struct {
		Devices []storageaccess.DeviceStatus `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return fmt.Errorf("could not parse device list: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tENCRYPTED\tACCESSIBLE\tMOUNT PATH")
	for _, d := range listing.Devices {
		fmt.Fprintf(tw, "%s\t%t\t%t\t%s\n", d.ID, d.Encrypted, d.Accessible, d.MountPath)
	}
	return tw.Flush()
}

func (c *Client) Request(op, device string) error {
	if device == "" {
		return fmt.Errorf("%s requires a device argument", op)
	}

	body, err := json.Marshal(map[string]string{"device": device})
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Post(c.ServerAddr+"/api/devices/"+op, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("%s accepted for %s\n", op, device)
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%s rejected: %s is busy", op, device)
	case http.StatusNotFound:
		return fmt.Errorf("unknown device %s", device)
	default:
		return unexpectedStatus(resp)
	}
}

func (c *Client) Watch() error {
	resp, err := c.HTTP.Get(c.ServerAddr + "/api/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event interfaces.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return fmt.Errorf("could not parse event: %w", err)
		}
		printEvent(event)
	}
	return scanner.Err()
}

func printEvent(event interfaces.Event) {
	switch event.Kind {
	case interfaces.EventAccessibilityChanged:
		fmt.Printf("%s accessible=%t\n", event.Device, event.Accessible)
	case interfaces.EventSetupDone, interfaces.EventTeardownDone:
		if event.Error != interfaces.NoError {
			fmt.Printf("%s %s error=%s message=%q\n", event.Device, event.Kind, event.Error, event.Message)
			return
		}
		fmt.Printf("%s %s\n", event.Device, event.Kind)
	default:
		fmt.Printf("%s %s\n", event.Device, event.Kind)
	}
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
}
