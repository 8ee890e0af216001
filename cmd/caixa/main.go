package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"caixa/internal/cli"
	"caixa/internal/core"
)

const usage = `caixa: controle de caixa

Uso:
  caixa <comando> [opções]

Comandos:
  login      entra com usuário e senha
  register   cria uma conta
  logout     encerra a sessão
  status     mostra a sessão e o filtro ativo
  list       lista as transações do período
  add        registra uma transação
  delete     remove uma transação
  export     baixa o relatório do período
  summary    totais do período por categoria
  watch      acompanha alterações em tempo real

Use "caixa <comando> -h" para as opções de cada comando.
`

type command func(ctx context.Context, app *cli.App, args []string, stdin io.Reader, stdout io.Writer) error

var commands = map[string]command{
	"login":    runLogin,
	"register": runRegister,
	"logout":   runLogout,
	"status":   runStatus,
	"list":     runList,
	"add":      runAdd,
	"delete":   runDelete,
	"export":   runExport,
	"summary":  runSummary,
	"watch":    runWatch,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "comando desconhecido %q\n\n%s", args[0], usage)
		return 2
	}

	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.HTTPTimeout+5*time.Second)
	if args[0] == "watch" {
		cancel()
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	app, err := cli.InitApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		fmt.Fprintln(stderr, core.UserMessage(err))
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	}()

	if err := cmd(ctx, app, args[1:], stdin, stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, err)
			return 2
		}
		fmt.Fprintln(stderr, core.UserMessage(err))
		return 1
	}
	return 0
}
