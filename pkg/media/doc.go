// Package media реализует приемную сторону RTP медиа сессии.
//
// Пакет принимает RTP пакеты от согласованного пира на локальном порту,
// декодирует их цепочкой стадий, выбранной по кодеку, и передает результат
// в Renderer приложения.
//
// # Архитектура
//
//   - Receiver - управление жизненным циклом: Prepare, Start, Stop, Close
//   - CodecRegistry и DecodeChain - выбор и проверка цепочки декодирования
//   - InputSource (RTPInputStream) - сетевой входной поток поверх pkg/rtp
//   - OutputSink (RendererStream) - вывод с ограниченной очередью
//   - Processor - рабочая горутина, перекачивающая единицы от входа к выводу
//
// # Быстрый старт
//
//	config := media.DefaultReceiverConfig()
//	config.SessionID = "call-123"
//
//	receiver, err := media.NewReceiver(5004, config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer receiver.Close()
//
//	faults := media.NewFaultQueue(0)
//	err = receiver.Prepare("10.0.0.5", 5004, media.NewWriterRenderer(file), media.FormatPCMU, faults)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	receiver.Start()
//
//	for fault := range faults.Events() {
//	    log.Println(fault)
//	}
//
// # Жизненный цикл
//
// Состояния приемника: unprepared → prepared → running → stopped.
// Stop и Start вне допустимых состояний ничего не делают. Повторный Prepare
// в состояниях prepared и running отклоняется с ErrAlreadyPrepared; после
// Stop приемник можно подготовить заново. Close переводит приемник в
// конечное состояние closed.
//
// Если Prepare завершается ошибкой, все ресурсы, открытые в этом вызове,
// уже освобождены, а ошибка имеет тип *PreparationError с шагом, на котором
// произошел отказ. Неизвестный кодек дает *UnsupportedFormatError.
//
// # Ошибки потока
//
// Ошибки, возникающие в рабочих горутинах, не возвращаются вызывающему коду,
// а доставляются FaultListener'у из Prepare: тишина пира, чужие и
// поврежденные пакеты, пропуски последовательности, сбои декодирования,
// переполнение вывода и конец потока. FaultQueue превращает их в канал,
// который никогда не блокирует конвейер.
package media
