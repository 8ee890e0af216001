package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"caixa/internal/aggregate"
	"caixa/internal/amqp"
	"caixa/internal/cli"
	"caixa/internal/core"
	"caixa/internal/filter"
	"caixa/internal/session"
	"caixa/internal/sheets"
	"caixa/internal/transactions"
	"caixa/internal/worker"
)

var errUsage = errors.New("uso inválido")

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

// rangeFlags selects the period of list, export and summary.
type rangeFlags struct {
	preset string
	from   string
	to     string
}

func addRangeFlags(fs *flag.FlagSet) *rangeFlags {
	rf := &rangeFlags{}
	fs.StringVar(&rf.preset, "preset", "", "período: all, today, last7, last15, currentMonth (ou tudo, hoje, 7dias, 15dias, mes_atual)")
	fs.StringVar(&rf.from, "from", "", "data inicial YYYY-MM-DD (filtro personalizado)")
	fs.StringVar(&rf.to, "to", "", "data final YYYY-MM-DD (filtro personalizado)")
	return rf
}

// apply selects the requested period and waits for the list to load.
func (rf *rangeFlags) apply(ctx context.Context, app *cli.App) error {
	switch {
	case rf.from != "" || rf.to != "":
		start, err := core.ParseDate(rf.from)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		end, err := core.ParseDate(rf.to)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if _, err := app.SetCustomRange(ctx, start, end); err != nil {
			return err
		}
	case rf.preset != "":
		p, err := filter.ParsePreset(rf.preset)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if p == filter.Custom {
			return fmt.Errorf("%w: use -from/-to para o filtro personalizado", errUsage)
		}
		if _, err := app.SelectPreset(ctx, p); err != nil {
			return err
		}
	}
	return app.Wait(ctx)
}

func credentials(fs *flag.FlagSet) (*string, *string) {
	user := fs.String("u", "", "usuário")
	pass := fs.String("p", "", "senha (ou CAIXA_PASSWORD; lida da entrada se vazia)")
	return user, pass
}

func readPassword(given string, stdin io.Reader, stdout io.Writer) string {
	if given != "" {
		return given
	}
	if env := os.Getenv("CAIXA_PASSWORD"); env != "" {
		return env
	}
	fmt.Fprint(stdout, "Senha: ")
	line, _ := bufio.NewReader(stdin).ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

func runLogin(ctx context.Context, app *cli.App, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("login")
	user, pass := credentials(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	form := &session.Form{Mode: session.ModeLogin, Username: *user}
	form.Password = readPassword(*pass, stdin, stdout)
	if err := app.Login(ctx, form); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Login realizado.")
	return nil
}

func runRegister(ctx context.Context, app *cli.App, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("register")
	user, pass := credentials(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	form := &session.Form{Mode: session.ModeRegister, Username: *user}
	form.Password = readPassword(*pass, stdin, stdout)
	msg, err := app.Register(ctx, form)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, msg)
	return nil
}

func runLogout(ctx context.Context, app *cli.App, args []string, _ io.Reader, stdout io.Writer) error {
	if err := parse(newFlagSet("logout"), args); err != nil {
		return err
	}
	if err := app.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Sessão encerrada.")
	return nil
}

func runStatus(_ context.Context, app *cli.App, args []string, _ io.Reader, stdout io.Writer) error {
	if err := parse(newFlagSet("status"), args); err != nil {
		return err
	}
	sess := app.Session()
	fmt.Fprintf(stdout, "Sessão: %s\n", sess.State())
	if claims, err := sess.Claims(); err == nil {
		fmt.Fprintf(stdout, "Usuário: %s\n", claims.Subject)
		if !claims.ExpiresAt.IsZero() {
			note := ""
			if claims.Expired(time.Now()) {
				note = " (expirado)"
			}
			fmt.Fprintf(stdout, "Expira em: %s%s\n", core.FormatDateTime(claims.ExpiresAt), note)
		}
	}
	fmt.Fprintf(stdout, "Filtro: %s (%s)\n", app.Preset(), sheets.RangeLabel(app.Range()))
	return nil
}

func runList(ctx context.Context, app *cli.App, args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("list")
	rf := addRangeFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireSession(app); err != nil {
		return err
	}
	if err := rf.apply(ctx, app); err != nil {
		return err
	}
	if err := app.Err(); err != nil {
		return err
	}

	items := app.Transactions()
	if len(items) == 0 {
		fmt.Fprintln(stdout, "Nenhuma transação no período.")
	} else {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDATA\tTIPO\tCATEGORIA\tDESCRIÇÃO\tVALOR")
		for _, t := range items {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, core.FormatDateTime(t.CreatedAt), t.Kind, t.Category, t.Description, core.FormatAmount(t.Amount))
		}
		tw.Flush()
	}
	printTotals(stdout, app.Totals())
	return nil
}

func runAdd(ctx context.Context, app *cli.App, args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("add")
	kind := fs.String("tipo", string(core.Income), "Entrada ou Saída")
	category := fs.String("categoria", "", "categoria, ex.: Locação, Venda, Material")
	desc := fs.String("descricao", "", "descrição")
	value := fs.String("valor", "", "valor, ex.: 12,34")
	if err := parse(fs, args); err != nil {
		return err
	}

	amount, err := core.ParseAmount(*value)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrInvalidTransaction, err)
	}
	cat, _ := core.ParseCategory(*category)
	created, err := app.Create(ctx, core.NewTransaction{
		Kind:        core.ParseKind(*kind),
		Category:    cat,
		Description: strings.TrimSpace(*desc),
		Amount:      amount,
	})
	if err != nil {
		return err
	}
	if err := app.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Transação %d registrada: %s %s %s\n",
		created.ID, created.Kind, created.Category, core.FormatAmount(created.Amount))
	return nil
}

func runDelete(ctx context.Context, app *cli.App, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("delete")
	id := fs.Int64("id", 0, "id da transação")
	yes := fs.Bool("yes", false, "não pedir confirmação")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *id <= 0 {
		return fmt.Errorf("%w: -id é obrigatório", errUsage)
	}

	pending, err := app.RequestDelete(*id)
	if err != nil {
		return err
	}
	if *yes || confirm(stdin, stdout, "Tem certeza que deseja deletar esta transação?") {
		pending.Confirm()
	}
	if err := app.Delete(ctx, pending); err != nil {
		return err
	}
	if err := app.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Transação %d removida.\n", *id)
	return nil
}

func runExport(ctx context.Context, app *cli.App, args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("export")
	rf := addRangeFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireSession(app); err != nil {
		return err
	}
	if err := rf.apply(ctx, app); err != nil {
		return err
	}
	res, err := app.Export(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Relatório salvo em %s (%d bytes)\n", res.Path, len(res.Report.Data))
	switch {
	case res.SheetsRef != "":
		fmt.Fprintf(stdout, "Planilha atualizada: %s\n", res.SheetsRef)
	case res.SheetsErr != nil:
		fmt.Fprintf(stdout, "Planilha não atualizada: %v\n", res.SheetsErr)
	}
	return nil
}

func runSummary(ctx context.Context, app *cli.App, args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("summary")
	rf := addRangeFlags(fs)
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireSession(app); err != nil {
		return err
	}
	if err := rf.apply(ctx, app); err != nil {
		return err
	}
	if err := app.Err(); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Período: %s\n", sheets.RangeLabel(app.Range()))
	groups := app.Categories()
	if len(groups) > 0 {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CATEGORIA\tTIPO\tQTD\tTOTAL")
		for _, g := range groups {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", g.Category, g.Kind, g.Count, core.FormatAmount(g.Amount))
		}
		tw.Flush()
	}
	printTotals(stdout, app.Totals())
	return nil
}

func runWatch(ctx context.Context, app *cli.App, args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("watch")
	interval := fs.Duration("interval", time.Minute, "intervalo de atualização periódica")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireSession(app); err != nil {
		return err
	}

	watchCtx, done := cli.GracefulShutdown(app.Logger, 10*time.Second, nil)
	if err := app.Wait(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printTotals(stdout, app.Totals())

	// Snapshots arrive from fetch goroutines, event lines from the worker.
	var mu sync.Mutex
	app.OnChange(func(snap transactions.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		printSnapshot(stdout, snap)
	})

	source, _ := app.Backend.Events.(worker.EventSource)
	w := worker.NewWatchWorker(source, app.Coordinator, *interval, app.Logger)
	w.OnUpdate(func(u worker.Update) {
		if u.Event == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(stdout, "[%s] %s #%d por %s\n",
			core.FormatDateTime(u.Event.Timestamp), describeEvent(u.Event), u.Event.ID, u.Event.Actor)
	})

	err := w.Run(watchCtx)
	if errors.Is(err, context.Canceled) {
		<-done
		return nil
	}
	return err
}

func requireSession(app *cli.App) error {
	if app.Session().Token() == "" {
		return core.ErrNotAuthenticated
	}
	return nil
}

func confirm(stdin io.Reader, stdout io.Writer, question string) bool {
	fmt.Fprintf(stdout, "%s [s/N] ", question)
	line, _ := bufio.NewReader(stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "s", "sim", "y", "yes":
		return true
	}
	return false
}

func printTotals(w io.Writer, t aggregate.Totals) {
	f := t.Format()
	fmt.Fprintf(w, "Entradas: %s | Saídas: %s | Lucro: %s\n", f.Income, f.Expense, f.Profit)
	if t.Unclassified > 0 {
		fmt.Fprintf(w, "(%d registros com tipo desconhecido fora dos totais)\n", t.Unclassified)
	}
}

// printSnapshot reports a change of the cached list. A snapshot without a
// token comes from a reset; its error says why the session ended.
func printSnapshot(w io.Writer, snap transactions.Snapshot) {
	switch {
	case snap.Key.Token == "" && snap.Err != nil:
		fmt.Fprintln(w, core.UserMessage(snap.Err))
	case snap.Key.Token == "":
		fmt.Fprintln(w, "Sessão encerrada.")
	case snap.Err != nil:
		fmt.Fprintln(w, core.UserMessage(snap.Err))
	default:
		printTotals(w, aggregate.Compute(snap.Items))
	}
}

func describeEvent(ev *amqp.TransactionEvent) string {
	switch ev.Type {
	case amqp.RoutingCreated:
		return "Nova transação"
	case amqp.RoutingDeleted:
		return "Transação removida"
	}
	return ev.Type
}
