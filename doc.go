/*
Send one e-mail through an authenticated STARTTLS submission session.

Simple Usage

	E := mailer.Send(
		"bob@example.com",   // recipient: `To` header & envelope recipient
		"alice@example.com", // sender: `From` header only
		"Hi",
		"hello world",
		"/tmp/report.pdf",   // optional attachment, "" for none
		"smtp.example.com",  // relay, always port 587
		"alice",             // account: AUTH user & envelope sender
		"secret",
	)
	if errors.Is(E, mailer.ErrAuthentication) { ... }

Each call dials smtp.example.com:587, says EHLO, upgrades with STARTTLS,
says EHLO again, authenticates (PLAIN, else LOGIN), submits the message with
the account as envelope sender, then QUITs and closes the connection. There
is no retry and no connection reuse.

Advanced Usage

	cfg, E := mailer.LoadConfig("mailer.yaml") // YAML, then MAILER_* env vars

	m := mailer.New(cfg,
		mailer.WithLogger(slog.Default()),
		mailer.WithMetrics(mailer.NewMetrics(prometheus.DefaultRegisterer)),
		mailer.WithSessionLog(mailer.TextprotoLoggedTo(os.Stderr)),
	)

	E = m.Send(ctx, mailer.Message{ ... })

	E = m.SendTemplate(ctx, mailer.TemplateParams{
		FS:   templates,
		Name: "welcome.email",
		Data: map[string]any{"to": []string{"bob@example.com"}, "Name": "Bob"},
	})
*/
package mailer
