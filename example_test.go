// SPDX-License-Identifier: GPL-3.0-or-later

package lwsock_test

import (
	"fmt"
	"log"
	"net/netip"

	"github.com/bassosimone/lwsock"
	"github.com/bassosimone/lwsock/internal/simengine"
)

// This example exchanges datagrams between two stacks linked by a wire
// and drives both stacks by hand.
func Example_datagram() {
	newStack := func(ip string) *lwsock.Stack {
		cfg := lwsock.NewConfig()
		cfg.Netif.IP = netip.MustParseAddr(ip)
		s, err := lwsock.NewStack(cfg, simengine.New(simengine.NewConfig()), lwsock.DefaultSLogger())
		if err != nil {
			log.Fatal(err)
		}
		return s
	}
	alice, bob := newStack("192.168.1.10"), newStack("192.168.1.20")
	defer alice.Close()
	defer bob.Close()
	wire := simengine.NewWire(alice, bob)
	defer wire.Close()

	server, err := bob.NewDatagramSocket()
	if err != nil {
		log.Fatal(err)
	}
	defer server.Close()
	if err := server.Bind("0.0.0.0", 9000); err != nil {
		log.Fatal(err)
	}
	server.OnMessage(func(msg lwsock.Message) {
		fmt.Printf("bob got %q from %s\n", msg.Data, msg.Address)
		if err := server.SendTo([]byte("pong"), msg.Address, msg.Port); err != nil {
			log.Fatal(err)
		}
	})

	client, err := alice.NewDatagramSocket()
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	if err := client.Connect("192.168.1.20", 9000); err != nil {
		log.Fatal(err)
	}
	client.OnMessage(func(msg lwsock.Message) {
		fmt.Printf("alice got %q from %s:%d\n", msg.Data, msg.Address, msg.Port)
	})
	if err := client.Send([]byte("ping")); err != nil {
		log.Fatal(err)
	}

	for range 2 {
		alice.Tick()
		bob.Tick()
	}

	// Output:
	// bob got "ping" from 192.168.1.10
	// alice got "pong" from 192.168.1.20:9000
}
