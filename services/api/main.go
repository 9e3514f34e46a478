// Package api is a service providing an HTTP REST API to monitor and control
// the garage doors.
//
// The endpoints supported are:
//
// http://localhost:8723/query/{query} - query a service, e.g. http://localhost:8723/query/garage/status
//
// http://localhost:8723/voice - perform a voice query command
//
// http://localhost:8723/devices - list of devices
//
// http://localhost:8723/devices/{device} - single device
//
// http://localhost:8723/devices/events - list of device events
//
// http://localhost:8723/devices/control?id=device&control=0 - turn a device on or off
//
// http://localhost:8723/doors - get the status of the doors
//
// http://localhost:8723/doors/control?id=door&command=open - open, close or trigger a door
//
// http://localhost:8723/events/feed - continuous live stream of events (line delimited)
//
// http://localhost:8723/config?path=garagedoor/config - GET configuration or POST to update configuration
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/yombo/module-garagedoor/config"
	"github.com/yombo/module-garagedoor/pubsub"
	"github.com/yombo/module-garagedoor/services"
)

// Service api
type Service struct {
}

// ID of the service
func (service *Service) ID() string {
	return "api"
}

func errorResponse(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), 500)
}

func apiIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Content-Type", "text/html")
	fmt.Fprintf(w, "<html>Garagedoor is listening</html>")
}

func jsonResponse(w http.ResponseWriter, obj interface{}) {
	w.Header().Add("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	err := enc.Encode(obj)
	if err != nil {
		errorResponse(w, err)
	}
}

func query(endpoint string, q string, w http.ResponseWriter) {
	w.Header().Add("Content-Type", "application/json; charset=utf-8")

	ch := services.QueryChannel(endpoint+" "+q, 100*time.Millisecond)

	for ev := range ch {
		fmt.Fprintf(w, ev.String()+"\r\n")
		w.(http.Flusher).Flush()
	}
}

func apiQuery(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Path[len("/query/"):]
	q := r.URL.Query().Get("q")
	query(endpoint, q, w)
}

func apiVoice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")

	body := ""
	for key, value := range services.Config.Voice {
		re, err := regexp.Compile(key)
		if err != nil {
			continue
		}
		var match = re.FindStringSubmatchIndex(q)
		if match != nil {
			// Expand $1 matches in the command
			var dst []byte
			result := re.ExpandString(dst, value, q, match)
			body = string(result)
		}
	}
	if body == "" {
		fmt.Fprintf(w, "Not understood: '%s'", q)
		return
	}

	resp, err := services.RPC(body)
	if err == nil {
		fmt.Fprint(w, resp)
	} else {
		w.WriteHeader(500)
		fmt.Fprintf(w, "error: %s", err)
	}
}

type deviceAndState struct {
	config.DeviceConf
	State interface{} `json:"state"`
}

func getDevicesState() map[string]interface{} {
	// Get state from store
	ret := make(map[string]interface{})
	nodes, _ := services.Stor.GetRecursive("garagedoor/state/devices")
	for _, node := range nodes {
		ev := pubsub.Parse(node.Value, "")
		if ev == nil {
			continue
		}
		name := node.Key[strings.LastIndex(node.Key, "/")+1:]
		ret[name] = ev.Map()
	}
	return ret
}

func apiDevices(w http.ResponseWriter, r *http.Request) {
	ret := make(map[string]deviceAndState)
	state := getDevicesState()
	for name, dev := range services.Config.Devices {
		ret[name] = deviceAndState{dev, state[name]}
	}

	jsonResponse(w, ret)
}

func apiDevicesSingle(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	name := params["device"]
	if dev, ok := services.Config.Devices[name]; ok {
		state := getDevicesState()
		jsonResponse(w, deviceAndState{dev, state[name]})
	} else {
		fmt.Fprintf(w, "not found: %s", name)
	}
}

func apiDevicesEvents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, getDevicesState())
}

func apiDevicesControl(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	device := q.Get("id")
	var command string
	if q.Get("control") == "1" {
		command = "on"
	} else {
		command = "off"
	}
	// send command
	ev := pubsub.NewCommand(device, command, 0)
	services.Publisher.Emit(ev)
	jsonResponse(w, true)
}

func apiDoors(w http.ResponseWriter, r *http.Request) {
	ch := services.QueryChannel("garage/status", 100*time.Millisecond)
	ev := <-ch
	if ev == nil {
		// garage service not answering
		errorResponse(w, errors.New("garage status unavailable"))
		return
	}
	jsonResponse(w, ev.Fields["json"])
}

func apiDoorsControl(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	device := q.Get("id")
	command := q.Get("command")
	if command == "" {
		command = "trigger"
	}
	ev := pubsub.NewCommand(device, command, 0)
	ev.SetField("source", "api")
	services.Publisher.Emit(ev)
	jsonResponse(w, true)
}

func apiEventsFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topics := q.Get("topics")
	w.Header().Add("Content-Type", "application/json; boundary=NL")

	var matchers []pubsub.Topic
	if topics != "" {
		for _, topic := range strings.Split(topics, ",") {
			matchers = append(matchers, pubsub.Prefix(topic))
		}
	} else {
		matchers = append(matchers, pubsub.All())
	}
	ch := services.Subscriber.Subscribe(matchers...)
	defer services.Subscriber.Close(ch)

	for ev := range ch {
		data := ev.Map()
		device := services.Config.LookupDeviceName(ev)
		if device != "" {
			data["device"] = device
		}
		encoder := json.NewEncoder(w)
		err := encoder.Encode(data)
		if err == nil {
			w.Write([]byte("\r\n")) // separator
		}
		if err != nil {
			break
		}
		w.(http.Flusher).Flush()
	}
}

func apiConfig(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		err := errors.New("path parameter required")
		errorResponse(w, err)
		return
	}

	// retrieve key from store
	value, err := services.Stor.Get(path)
	if err != nil {
		errorResponse(w, err)
		return
	}

	if r.Method == "GET" {
		w.Header().Add("Content-Type", "application/yaml; charset=utf-8")
		w.Write([]byte(value))
	} else if r.Method == "POST" {
		data, err := ioutil.ReadAll(r.Body)
		if err != nil {
			errorResponse(w, err)
			return
		}

		sout := string(data)
		if sout != value {
			// set store
			services.Stor.Set(path, sout)
			// distribute the new config, yaml in the config field
			fields := pubsub.Fields{
				"config": sout,
				"path":   path,
			}
			ev := pubsub.NewEvent("config", fields)
			ev.SetRetained(true)
			services.Publisher.Emit(ev)
			log.Printf("%s changed, emitted config event", path)
		}
	}
}

func router() *mux.Router {
	router := mux.NewRouter()
	router.Path("/").HandlerFunc(apiIndex)
	router.PathPrefix("/query/").HandlerFunc(apiQuery)
	router.Path("/voice").HandlerFunc(apiVoice)
	router.Path("/devices").HandlerFunc(apiDevices)
	router.Path("/devices/events").HandlerFunc(apiDevicesEvents)
	router.Path("/devices/control").HandlerFunc(apiDevicesControl)
	router.Path("/devices/{device}").HandlerFunc(apiDevicesSingle)
	router.Path("/doors").HandlerFunc(apiDoors)
	router.Path("/doors/control").HandlerFunc(apiDoorsControl)
	router.Path("/events/feed").HandlerFunc(apiEventsFeed)
	router.Path("/config").HandlerFunc(apiConfig)
	return router
}

type loggingHandler struct {
	Handler http.Handler
}

func (service loggingHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log.Printf("%s %s\n", req.Method, req.RequestURI)
	service.Handler.ServeHTTP(w, req)
}

func httpEndpoint() {
	var handler http.Handler = router()
	handler = loggingHandler{Handler: handler}
	// Allow CORS+http auth (so the api can be placed behind http auth)
	corsHandler := CORSHandler{Handler: handler}
	corsHandler.SupportsCredentials = true
	corsHandler.AllowHeaders = func(headers []string) bool {
		for _, header := range headers {
			if header != "accept" && header != "authorization" {
				return false
			}
		}
		return true
	}
	http.Handle("/", corsHandler)
	addr := ":8723"
	log.Println("Listening on " + addr)
	err := http.ListenAndServe(addr, nil)
	if err != nil {
		log.Fatalln(err)
	}
}

func recordEvents() {
	for ev := range services.Subscriber.Subscribe(pubsub.All()) {
		// record to store
		device := services.Config.LookupDeviceName(ev)
		if device != "" {
			services.Stor.Set("garagedoor/state/devices/"+device, ev.String())
			services.Stor.Set("garagedoor/state/events/"+ev.Topic+"/"+device, ev.String())
		}
	}
}

// Run the service
func (service *Service) Run() error {
	go recordEvents()
	httpEndpoint()
	return nil
}
