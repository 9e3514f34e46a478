package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/yombo/module-garagedoor/services"
	"github.com/yombo/module-garagedoor/services/api"
	"github.com/yombo/module-garagedoor/services/garage"
	"github.com/yombo/module-garagedoor/services/tasmota"
	"github.com/yombo/module-garagedoor/services/telegram"
	"github.com/yombo/module-garagedoor/services/watchdog"
)

func registerServices() {
	// register available services
	services.Register(&api.Service{})
	services.Register(&garage.Service{})
	services.Register(&tasmota.Service{})
	services.Register(&telegram.Service{})
	services.Register(&watchdog.Service{})
}

func usage() {
	fmt.Println("Usage: garagedoor COMMAND [SERVICE]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("   config  path filename   Update config")
	fmt.Println("   run     [service]       Run a service")
	fmt.Println("   status  [service]       Get service status")
	fmt.Println("   open    [door]          Open a door")
	fmt.Println("   close   [door]          Close a door")
	fmt.Println("   trigger [door]          Open or close a door")
	fmt.Println("   switch  id command      Control a device")
	fmt.Println("   query   ...             Query services")
	fmt.Println()
}

var emptyParams = url.Values{}

func main() {
	log.SetOutput(os.Stdout)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ps := []string{}
	if flag.NArg() > 1 {
		ps = flag.Args()[1:]
	}
	// ignore anything after '--'
	for i := range ps {
		if ps[i] == "--" {
			ps = ps[0:i]
			break
		}
	}

	services.SetupLogging()

	command := flag.Args()[0]
	switch command {
	default:
		usage()
	case "config":
		if len(ps) < 2 {
			usage()
			return
		}
		config(ps[0], ps[1:])
	case "status":
		if len(ps) == 0 {
			// all services
			query("status", []string{}, emptyParams)
		} else {
			// single service
			query(ps[0]+"/status", []string{}, url.Values{"responses": {"1"}})
		}
	case "open", "close", "trigger":
		query("garage/"+command, ps, url.Values{"timeout": {"5000"}, "responses": {"1"}})
	case "run":
		service(ps)
	case "switch":
		commandSwitch(ps)
	case "query":
		if len(ps) == 0 {
			usage()
			return
		}
		query(ps[0], ps[1:], url.Values{"timeout": {"5000"}, "responses": {"1"}})
	}
}

func commandSwitch(ps []string) {
	if len(ps) < 2 {
		usage()
		return
	}

	control := "0"
	if ps[1] == "on" {
		control = "1"
	}
	params := url.Values{
		"id":      []string{ps[0]},
		"control": []string{control},
	}
	resp, err := request("devices/control", params)
	if err != nil {
		fmtFatalf("error: %s\n", err)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
}

// Start builtin services
func service(ss []string) {
	services.Setup(strings.Join(ss, "-"))
	registerServices()
	services.Launch(ss)
}
