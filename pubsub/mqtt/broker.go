package mqtt

import (
	"fmt"
	"log"
	"math/rand"
	"os"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

// Prefix for all bus topics on the wire.
const Prefix = "garagedoor/"

// Client is the shared mqtt connection, for services needing raw topic
// access outside the event bus (eg tasmota).
var Client MQTT.Client

type Broker struct {
	broker     string
	client     MQTT.Client
	opts       *MQTT.ClientOptions
	subscriber *Subscriber
}

func NewBroker(broker string, name string) *Broker {
	// generate a unique client id
	hostname, _ := os.Hostname()
	clientId := fmt.Sprintf("%s/%s-%s-%d-%d", Prefix[:len(Prefix)-1], name, hostname, os.Getpid(), rand.Int31())
	opts := MQTT.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientId)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	self := &Broker{broker: broker, opts: opts}
	opts.SetOnConnectHandler(self.connectHandler)
	self.client = MQTT.NewClient(opts)
	if token := self.client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalln("Couldn't connect to mqtt:", token.Error())
	}
	Client = self.client
	return self
}

func (broker *Broker) Id() string {
	return "mqtt: " + broker.broker
}

func (broker *Broker) connectHandler(client MQTT.Client) {
	if broker.subscriber != nil {
		broker.subscriber.resubscribe()
	}
}

func (broker *Broker) Publisher() *Publisher {
	return &Publisher{broker: broker.broker, client: broker.client}
}

func (broker *Broker) Subscriber() *Subscriber {
	if broker.subscriber == nil {
		broker.subscriber = NewSubscriber(broker)
	}
	return broker.subscriber
}
