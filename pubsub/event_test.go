package pubsub

import (
	"fmt"
	"time"
)

func Example_string() {
	ev := NewEvent("test", nil)
	loc, _ := time.LoadLocation("UTC")
	ev.Timestamp = time.Date(2014, 1, 2, 3, 4, 5, 987654321, loc)
	fmt.Println(ev.String())
	//Output: {"timestamp":"2014-01-02 03:04:05.987","topic":"test"}
}

func Example_parseWithTimestamp() {
	ev := Parse(`{"timestamp":"2014-01-02 03:04:05.987","topic":"test","field":"value"}`, "")
	fmt.Println(ev.Topic)
	fmt.Println(ev.Timestamp)
	fmt.Println(ev.Fields)
	// Output:
	// test
	// 2014-01-02 03:04:05.987 +0000 UTC
	// map[field:value]
}

func Example_parseTransportTopic() {
	ev := Parse(`{"field":"value"}`, "state")
	fmt.Println(ev.Topic)
	// Output:
	// state
}

func Example_parseBad() {
	ev := Parse(`{`, "")
	fmt.Println(ev)
	// Output:
	// <nil>
}

func ExampleNewCommand() {
	ev := NewCommand("garage.main", "open", 0)
	fmt.Println(ev.Topic)
	fmt.Println(ev.Device(), ev.Command())
	// Output:
	// command/garage.main
	// garage.main open
}

func Example_matchers() {
	fmt.Println(Exact("state").Match("state"))
	fmt.Println(Exact("state").Match("stately"))
	fmt.Println(Prefix("command").Match("command/garage.main"))
	fmt.Println(Prefix("command").Match("commander"))
	fmt.Println(All().Match("anything"))
	// Output:
	// true
	// false
	// true
	// false
	// true
}
