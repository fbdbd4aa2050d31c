package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/wdshin/php-app/pkg/php"
	"github.com/wdshin/php-app/pkg/pool"
	"github.com/wdshin/php-app/pkg/supervisor"
	"github.com/wdshin/php-app/pkg/worker"
)

var phpPath = flag.String("php", "php", "interpreter binary")

// Reserves a worker under a tiny memory ceiling and shows that a hungry
// snippet gets the worker recycled: the result status is break and the
// post-restart footprint is small again.
func main() {
	flag.Parse()

	ctx := context.Background()
	sup := supervisor.New(supervisor.Config{
		Workers: 1,
		Worker:  worker.Config{PHPPath: *phpPath},
	})
	if err := sup.Start(ctx); err != nil {
		panic(err)
	}
	defer sup.Stop()

	mgr := pool.New(sup, pool.Config{})
	defer mgr.Close()
	client := php.NewClient(mgr)

	token, err := client.ReserveMem(ctx, 1) // 1 KiB: any real process exceeds this
	if err != nil {
		panic(err)
	}
	defer func() { _ = client.Release(ctx, token) }()

	res, err := client.Eval(ctx, "$hog = str_repeat('x', 1 << 24); return strlen($hog);", php.WithToken(token))
	if err != nil {
		panic(err)
	}
	fmt.Printf("status=%s (break means the worker was recycled)\n", res.Status)

	kb, err := client.GetMemory(ctx, token)
	if err != nil {
		panic(err)
	}
	fmt.Printf("post-restart rss: %d KiB\n", kb)
}
