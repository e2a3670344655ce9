// Package reconcile реализует фоновый цикл сверки ролей с presence участников.
//
// Каждый цикл:
//   - проходит по всем сообществам, где есть бот;
//   - находит назначаемую роль по имени, при отсутствии создаёт её;
//   - для каждого не-бота, который не offline, проверяет, есть ли триггер
//     в названиях активностей, и добавляет/снимает роль;
//   - между участниками выдерживает небольшую паузу (rate.Limiter).
//
// Ошибки шагов оборачиваются в *StepError, дальнейшие действия решает Policy:
// пропустить сообщество, бросить цикл (повтор через ErrorBackoff) или
// остановить процесс.
//
// Пример:
//
//	svc := reconcile.New(client, reconcile.DefaultOptions(), logger)
//	svc.OnReport = func(r reconcile.Report) { ... }
//	if err := svc.Start(ctx, ready); err != nil { ... }
//	defer svc.Stop()
package reconcile
