package telegram

import (
	"fmt"

	"github.com/yombo/module-garagedoor/services"
)

func Example_interfaces() {
	var _ services.Service = (*Service)(nil)
	// Output:
}

func Example_rewrite() {
	fmt.Println(rewriteTelegramCommands("/garage_open side"))
	fmt.Println(rewriteTelegramCommands("/garage_status"))
	fmt.Println(rewriteTelegramCommands("close the main door"))
	// Output:
	// garage/open side
	// garage/status
	// close the main door
}
