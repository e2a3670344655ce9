// Package bot: "склейка" вокруг discordclient и reconcile. Бот:
//   - слушает сообщения и отвечает на команды с префиксом ($help, $checkme, $ping);
//   - после READY запускает фоновый цикл сверки роли с presence участников;
//   - отдаёт наружу итоги циклов (SetReportHook) и фатальные ошибки (Fatal).
//
// Жизненный цикл:
//   - Создать бота через New(cfg, logger).
//   - (Опционально) SetReportHook(...), SetPolicy(...).
//   - Запустить Start(ctx) и остановить Stop().
//
// Пример:
//
//	b, err := bot.New(cfg, logger)
//	if err != nil { log.Fatal(err) }
//	if err := b.Start(ctx); err != nil { log.Fatal(err) }
//	defer b.Stop()
//	select {
//	case <-ctx.Done():
//	case err := <-b.Fatal():
//	}
package bot
