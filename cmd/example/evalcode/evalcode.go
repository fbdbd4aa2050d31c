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

var (
	phpPath = flag.String("php", "php", "interpreter binary")
	workers = flag.Int("workers", 2, "pool size")
)

func main() {
	flag.Parse()

	ctx := context.Background()
	sup := supervisor.New(supervisor.Config{
		Workers: *workers,
		Worker:  worker.Config{PHPPath: *phpPath},
	})
	if err := sup.Start(ctx); err != nil {
		panic(err)
	}
	defer sup.Stop()

	mgr := pool.New(sup, pool.Config{})
	defer mgr.Close()
	client := php.NewClient(mgr)

	res, err := client.Eval(ctx, "echo 'hi'; return 42;")
	if err != nil {
		panic(err)
	}
	fmt.Printf("output=%q value=%v status=%s\n", res.Output, res.Value, res.Status)

	val, err := client.Return(ctx, "strtoupper", []any{"pooled"})
	if err != nil {
		panic(err)
	}
	fmt.Println(val)
}
