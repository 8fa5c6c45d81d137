// Command coap-example wires a Server and a Client together over the
// in-process loop transport and drives them through the scenarios the
// package exists to support: a hierarchical resource tree (including
// the trailing-slash/intermediate-resource edge cases), a block-wise
// transfer of a payload too large for one datagram, an observe
// subscription receiving several notifications before cancelling, a
// ping, and a proxied request. It is a demonstration, not a test: see
// the package's own _test.go files for assertions.
package main

import (
	"fmt"
	"strings"
	"time"

	coap "github.com/coreland/go-coap"
)

func main() {
	coap.Debug(true)

	mgr := coap.NewEndpointManager()
	defer mgr.Close()

	srv := coap.NewServer(mgr)
	serverEP, err := srv.AddLocalEndpoint("loop", "server")
	if err != nil {
		panic(err)
	}

	buildResourceTree(srv)

	hello := mustChild(srv.Root(), "hello")
	lorem := mustChild(srv.Root(), "lorem")
	watch := mustChild(srv.Root(), "watch")

	count := 0
	hello.Handle(func(ex *coap.Exchange, req coap.Message) {
		count++
		_ = ex.Respond(coap.Message{
			Code:    coap.Content,
			Payload: []byte(fmt.Sprintf("hello #%d", count)),
		})
	})

	loremBody := []byte(strings.Repeat("Lorem ipsum dolor sit amet. ", 100))
	lorem.Handle(func(ex *coap.Exchange, req coap.Message) {
		_ = ex.Respond(coap.Message{Code: coap.Content, Payload: loremBody})
	})

	watchValue := 0
	watch.Observe(serverEP, func() coap.Message {
		return coap.Message{Code: coap.Content, Payload: []byte(fmt.Sprintf("value=%d", watchValue))}
	}, func() {
		fmt.Println("server: gained first observer on /watch")
	}, func() {
		fmt.Println("server: lost last observer on /watch")
	})
	watch.Handle(func(ex *coap.Exchange, req coap.Message) {
		_ = ex.Respond(coap.Message{Code: coap.Content, Payload: []byte(fmt.Sprintf("value=%d", watchValue))})
	})

	client, err := coap.NewClient(mgr, "loop://server")
	if err != nil {
		panic(err)
	}
	defer client.Close()

	fmt.Println("--- ping ---")
	if err := client.Ping(); err != nil {
		fmt.Println("ping failed:", err)
	} else {
		fmt.Println("ping: peer is alive")
	}

	fmt.Println("--- basic GET ---")
	demoGet(client, "hello")

	fmt.Println("--- 4.04 on missing resource ---")
	demoGet(client, "nope")

	fmt.Println("--- 4.00 on intermediate resource without trailing slash ---")
	demoGet(client, "d1/d2")

	fmt.Println("--- 2.05 on intermediate resource with trailing slash ---")
	demoGet(client, "d1/d2/")

	fmt.Println("--- block-wise GET (~2.8kB body) ---")
	demoGet(client, "lorem")

	fmt.Println("--- observe ---")
	demoObserve(client, watch, &watchValue)

	nullClient, err := coap.NewClient(mgr, "null://unreachable")
	if err != nil {
		panic(err)
	}
	defer nullClient.Close()
	fmt.Println("--- ping against an unresponsive peer ---")
	if err := nullClient.Ping(); err != nil {
		fmt.Println("ping failed as expected:", err)
	}

	fmt.Println("--- proxying ---")
	demoProxy(mgr)
}

// buildResourceTree gives d2 a child of its own ("leaf") so that a GET
// on "/d1/d2" without a trailing slash exercises the 4.00 Bad Request
// "that address names a container" case, while "/d1/d2/" (trailing
// slash) still resolves to d2 itself.
func buildResourceTree(srv *coap.Server) {
	d1 := srv.Root().AddChild(coap.NewResource("d1"))
	d2 := d1.AddChild(coap.NewResource("d2"))
	d2.Handle(func(ex *coap.Exchange, req coap.Message) {
		_ = ex.Respond(coap.Message{Code: coap.Content, Payload: []byte("d2")})
	})
	d2.AddChild(coap.NewResource("leaf")).Handle(func(ex *coap.Exchange, req coap.Message) {
		_ = ex.Respond(coap.Message{Code: coap.Content, Payload: []byte("leaf")})
	})
	d1.AddChild(coap.NewResource("d3")).Handle(func(ex *coap.Exchange, req coap.Message) {
		_ = ex.Respond(coap.Message{Code: coap.Content, Payload: []byte("d3")})
	})

	srv.Root().AddChild(coap.NewResource("hello"))
	srv.Root().AddChild(coap.NewResource("lorem"))
	srv.Root().AddChild(coap.NewResource("watch"))
}

func mustChild(root *coap.Resource, name string) *coap.Resource {
	child, code := root.Lookup([]string{name})
	if code != 0 {
		panic(fmt.Sprintf("resource %q missing: %v", name, code))
	}
	return child
}

func demoGet(client *coap.Client, path string) {
	tx, err := client.NewRequestBuilder(coap.GET).ChangePath(path).Send()
	if err != nil {
		fmt.Println("send error:", err)
		return
	}
	resp, err := tx.GetResponse(2 * time.Second)
	if err != nil {
		fmt.Println("response error:", err)
		return
	}
	fmt.Printf("GET /%s -> %s %q\n", path, resp.Code, resp.Payload)
}

func demoObserve(client *coap.Client, watch *coap.Resource, value *int) {
	tx, err := client.NewRequestBuilder(coap.GET).ChangePath("watch").Observe().Send()
	if err != nil {
		fmt.Println("observe send error:", err)
		return
	}

	for i := 0; i < 3; i++ {
		resp, err := tx.GetResponse(2 * time.Second)
		if err != nil {
			fmt.Println("observe notification error:", err)
			break
		}
		fmt.Printf("observe notification: %q\n", resp.Payload)

		*value++
		watch.Observable().Trigger()
	}

	_ = tx.Cancel()
	time.Sleep(200 * time.Millisecond) // let the unobserve reach the server
	fmt.Println("observer count after cancel:", watch.Observable().GetObserverCount())
}

// demoProxy builds a client whose proxy selector redirects every
// request at the loopback server. The request goes out carrying the
// original target in Proxy-Uri; since the server does not forward, it
// answers 5.05 Proxying Not Supported.
func demoProxy(mgr *coap.EndpointManager) {
	proxied, err := coap.NewClient(mgr, "coap://coap.me")
	if err != nil {
		panic(err)
	}
	defer proxied.Close()
	proxied.SetProxySelector(func(uri string) (string, bool) {
		fmt.Println("proxy selector: routing", uri, "via loop://server")
		return "loop://server", true
	})

	tx, err := proxied.NewRequestBuilder(coap.GET).ChangePath("test").Send()
	if err != nil {
		fmt.Println("proxy send error:", err)
		return
	}
	resp, err := tx.GetResponse(2 * time.Second)
	if err != nil {
		fmt.Println("proxy response error:", err)
		return
	}
	fmt.Printf("proxied GET -> %s (the loopback server does not forward)\n", resp.Code)
}
